package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent is one change notification from the tenant's broadcast
// group. The payload may be embedded for small records; when it is absent
// on a create or update the client falls back to a pull to fetch it.
type ChangeEvent struct {
	TenantID   string          `json:"tenantId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type RealtimeOptions struct {
	// BaseURL is the websocket endpoint root, e.g. wss://sync.example.com.
	// The tenant feed lives at {BaseURL}/tenants/{tenantId}/events.
	BaseURL       string
	TokenProvider AccessTokenProvider
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	// Defaults 1s/30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       Logger
}

// RealtimeClient maintains the tenant-scoped change subscription. Every
// established connection triggers a gap-fill pull, since events published
// while disconnected are gone from the channel's point of view.
type RealtimeClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	logger        Logger

	merge *merger
	// requestPull asks the session to run one pull cycle soon. Used for
	// gap fill after connect and for events without an embedded payload.
	requestPull func(tenantID string)
}

func NewRealtimeClient(backend Backend, notify func(EntityChange), requestPull func(tenantID string), opts RealtimeOptions) *RealtimeClient {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &RealtimeClient{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokenProvider: opts.TokenProvider,
		reconnectMin:  opts.ReconnectMin,
		reconnectMax:  opts.ReconnectMax,
		logger:        opts.Logger,
		merge:         &merger{backend: backend, logger: opts.Logger, notify: notify},
		requestPull:   requestPull,
	}
}

// RunLoop dials the tenant feed and consumes events until closed,
// reconnecting with capped backoff on any failure.
func (c *RealtimeClient) RunLoop(tenantID string, closed <-chan struct{}) {
	if c.baseURL == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closed
		cancel()
	}()

	delay := c.reconnectMin
	for {
		select {
		case <-closed:
			return
		default:
		}
		err := c.runConn(ctx, tenantID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Printf("realtime: connection tenant=%s: %v", tenantID, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-closed:
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *RealtimeClient) runConn(ctx context.Context, tenantID string) error {
	header := http.Header{}
	header.Set("X-Tenant-Id", tenantID)
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx, tenantID)
		if err != nil {
			return err
		}
		if token = strings.TrimSpace(token); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.baseURL+"/tenants/"+tenantID+"/events", &websocket.DialOptions{
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The channel may have dropped events while we were away. One pull
	// closes the gap rather than trusting delivery was complete.
	if c.requestPull != nil {
		c.requestPull(tenantID)
	}

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		c.handleEvent(tenantID, event)
	}
}

func (c *RealtimeClient) handleEvent(tenantID string, event ChangeEvent) {
	if event.TenantID == "" {
		event.TenantID = tenantID
	}
	if event.TenantID != tenantID {
		c.logger.Printf("realtime: rejected cross-tenant event %s/%s tenant=%s session=%s", event.EntityType, event.EntityID, event.TenantID, tenantID)
		return
	}
	if event.EntityType == "" || event.EntityID == "" || !event.Action.Valid() {
		c.logger.Printf("realtime: dropped malformed event tenant=%s", tenantID)
		return
	}
	if event.Action != ActionDelete && len(event.Payload) == 0 {
		// Summary-only notification. Let the pull fetch the full record.
		if c.requestPull != nil {
			c.requestPull(tenantID)
		}
		return
	}
	rec := RemoteRecord{
		TenantID:   event.TenantID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Payload:    event.Payload,
		UpdatedAt:  event.UpdatedAt,
		Deleted:    event.Action == ActionDelete,
	}
	if _, err := c.merge.applyRemote(rec, OriginRealtime); err != nil {
		c.logger.Printf("realtime: apply %s/%s tenant=%s: %v", event.EntityType, event.EntityID, tenantID, err)
	}
}
