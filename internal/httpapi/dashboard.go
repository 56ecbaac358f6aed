package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Sync Engine Status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1100px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: 0 10px 20px rgba(16, 34, 35, 0.08);
    }

    h1 { margin: 0; font-size: 1.4rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.8fr 0.5fr 0.5fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    .controls input:focus { border-color: var(--accent); }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }

    .btn-primary { background: var(--accent); color: #ffffff; }
    .btn-secondary { background: #efe6d7; color: var(--ink); border: 1px solid var(--line); }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(6, minmax(110px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 78px;
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value { margin-top: 6px; font-size: 1.1rem; font-weight: 700; }

    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1fr; }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      min-height: 240px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.92rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    table { width: 100%; border-collapse: collapse; font-size: 0.82rem; }

    th, td {
      text-align: left;
      border-bottom: 1px solid #ece3d1;
      padding: 7px 6px;
      vertical-align: top;
      word-break: break-word;
    }

    th {
      color: #556262;
      text-transform: uppercase;
      font-size: 0.69rem;
      letter-spacing: 0.08em;
    }

    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
    }

    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace; }

    @media (max-width: 900px) {
      .controls { grid-template-columns: 1fr 1fr; }
      .cards { grid-template-columns: repeat(3, minmax(110px, 1fr)); }
      .grid { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Sync Engine Status</h1>
      <div class="sub">Queue depth, connectivity, conflict log and dead-letter recovery per tenant.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (sync:read + ops:read)" autocomplete="off" />
        <input id="tenant" type="text" placeholder="tenant id" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>API: <span class="mono" id="apiBase"></span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Connection</div><div id="connection" class="value">-</div></article>
      <article class="card"><div class="label">Pending</div><div id="pending" class="value">-</div></article>
      <article class="card"><div class="label">In Flight</div><div id="inFlight" class="value">-</div></article>
      <article class="card"><div class="label">Retrying</div><div id="failed" class="value">-</div></article>
      <article class="card"><div class="label">Dead</div><div id="dead" class="value">-</div></article>
      <article class="card"><div class="label">Last Pulled</div><div id="lastPulledAt" class="value mono">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Dead Operations</h2>
        <table>
          <thead>
            <tr><th>ID</th><th>Entity</th><th>Action</th><th>Retries</th><th>Last Error</th></tr>
          </thead>
          <tbody id="deadRows"></tbody>
        </table>
      </article>

      <article class="panel">
        <h2>Recent Conflicts</h2>
        <table>
          <thead>
            <tr><th>Entity</th><th>Resolution</th><th>Origin</th><th>Detected</th></tr>
          </thead>
          <tbody id="conflictRows"></tbody>
        </table>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = { timer: null, intervalMs: 5000, paused: false };

      const dom = {
        token: document.getElementById("token"),
        tenant: document.getElementById("tenant"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        apiBase: document.getElementById("apiBase"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        connection: document.getElementById("connection"),
        pending: document.getElementById("pending"),
        inFlight: document.getElementById("inFlight"),
        failed: document.getElementById("failed"),
        dead: document.getElementById("dead"),
        lastPulledAt: document.getElementById("lastPulledAt"),
        deadRows: document.getElementById("deadRows"),
        conflictRows: document.getElementById("conflictRows"),
      };

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = dom.token.value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(window.location.origin + path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid("dash"),
          },
        });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const detail = data.error ? (data.error.code + ": " + data.error.message) : response.statusText;
          throw new Error(response.status + " " + detail);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function renderDead(items) {
        dom.deadRows.innerHTML = "";
        if (!Array.isArray(items) || items.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">No dead operations</td>";
          dom.deadRows.appendChild(tr);
          return;
        }
        items.slice(0, 30).forEach((op) => {
          const tr = document.createElement("tr");
          tr.innerHTML =
            "<td class=\"mono\">" + String(op.id || "-") + "</td>" +
            "<td class=\"mono\">" + String(op.entityType || "-") + "/" + String(op.entityId || "-") + "</td>" +
            "<td>" + String(op.action || "-") + "</td>" +
            "<td>" + String(op.retryCount || 0) + "</td>" +
            "<td class=\"err\">" + String(op.lastError || "-") + "</td>";
          dom.deadRows.appendChild(tr);
        });
      }

      function renderConflicts(items) {
        dom.conflictRows.innerHTML = "";
        if (!Array.isArray(items) || items.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"4\">No conflicts recorded</td>";
          dom.conflictRows.appendChild(tr);
          return;
        }
        items.slice(0, 30).forEach((c) => {
          const tr = document.createElement("tr");
          const cls = String(c.resolution || "") === "local_kept" ? "warn" : "ok";
          tr.innerHTML =
            "<td class=\"mono\">" + String(c.entityType || "-") + "/" + String(c.entityId || "-") + "</td>" +
            "<td class=\"" + cls + "\">" + String(c.resolution || "-") + "</td>" +
            "<td>" + String(c.origin || "-") + "</td>" +
            "<td class=\"mono\">" + String(c.detectedAt || "-") + "</td>";
          dom.conflictRows.appendChild(tr);
        });
      }

      async function refresh() {
        const tenant = dom.tenant.value.trim();
        if (!tenant) {
          setStatus("enter tenant id", "warn");
          return;
        }
        setStatus("refreshing...", "warn");
        try {
          const base = "/v1/tenants/" + encodeURIComponent(tenant);
          const [status, ops, conflicts] = await Promise.all([
            request(base + "/sync/status"),
            request(base + "/ops"),
            request(base + "/sync/conflicts?limit=30"),
          ]);

          const online = status.connection && status.connection.isOnline;
          dom.connection.textContent = online ? "online" : "offline";
          dom.connection.className = online ? "value ok" : "value err";
          const queue = status.queue || {};
          dom.pending.textContent = String(queue.pending || 0);
          dom.inFlight.textContent = String(queue.inFlight || 0);
          dom.failed.textContent = String(queue.failed || 0);
          dom.dead.textContent = String(queue.dead || 0);
          dom.lastPulledAt.textContent = status.lastPulledAt ? String(status.lastPulledAt) : "never";

          renderDead(ops.dead || []);
          renderConflicts(conflicts.conflicts || []);

          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("syncengine_dashboard_token", dom.token.value.trim());
          window.localStorage.setItem("syncengine_dashboard_tenant", tenant);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);
      dom.tenant.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("syncengine_dashboard_token") || "";
      dom.tenant.value = window.localStorage.getItem("syncengine_dashboard_tenant") || "";
      dom.apiBase.textContent = window.location.origin;

      ensureTimer();
      if (dom.token.value && dom.tenant.value) {
        refresh();
      } else {
        setStatus("enter token and tenant to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
