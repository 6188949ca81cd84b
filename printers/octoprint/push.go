package octoprint

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"printernizer/printers"
)

// pushClient maintains the SockJS connection that streams "current" status
// messages. It is best-effort: every failure is logged and retried, and the
// REST path covers any gap.
type pushClient struct {
	driver *Driver

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	stopped  bool

	reconnectDelay time.Duration
}

func newPushClient(d *Driver) *pushClient {
	return &pushClient{
		driver:         d,
		stopChan:       make(chan struct{}),
		reconnectDelay: 5 * time.Second,
	}
}

func (p *pushClient) start() {
	go p.run()
}

func (p *pushClient) stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopChan)
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		conn.Close()
	}
}

func (p *pushClient) run() {
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}
		if err := p.connectAndRead(); err != nil {
			p.driver.logger.Debug("octoprint push channel down",
				"printer", p.driver.cfg.PrinterID, "error", err)
		}
		select {
		case <-p.stopChan:
			return
		case <-time.After(p.reconnectDelay):
		}
	}
}

func (p *pushClient) wsURL() string {
	scheme := "ws"
	if p.driver.cfg.UseTLS {
		scheme = "wss"
	}
	// The raw-websocket SockJS endpoint skips the framing handshake.
	return fmt.Sprintf("%s://%s:%d/sockjs/websocket", scheme, p.driver.cfg.Host, p.driver.cfg.Port)
}

func (p *pushClient) connectAndRead() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(p.wsURL(), nil)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	p.conn = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		conn.Close()
	}()

	// Identify with the API key; older instances ignore unknown messages.
	auth := map[string]interface{}{"auth": p.driver.cfg.APIKey}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	p.driver.logger.Debug("octoprint push channel up", "printer", p.driver.cfg.PrinterID)
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p.handleMessage(data)
	}
}

// pushMessage is the envelope of interest on the push channel.
type pushMessage struct {
	Current *struct {
		State struct {
			Text  string     `json:"text"`
			Flags stateFlags `json:"flags"`
		} `json:"state"`
		Progress struct {
			Completion    *float64 `json:"completion"`
			PrintTime     *int     `json:"printTime"`
			PrintTimeLeft *int     `json:"printTimeLeft"`
		} `json:"progress"`
		Job struct {
			File struct {
				Name string `json:"name"`
			} `json:"file"`
		} `json:"job"`
		Temps []struct {
			Bed *struct {
				Actual float64 `json:"actual"`
			} `json:"bed"`
			Tool0 *struct {
				Actual float64 `json:"actual"`
			} `json:"tool0"`
		} `json:"temps"`
	} `json:"current"`
}

func (p *pushClient) handleMessage(data []byte) {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Current == nil {
		return
	}
	cur := msg.Current
	now := p.driver.now()

	update := &printers.StatusUpdate{
		PrinterID: p.driver.cfg.PrinterID,
		At:        now,
		Phase:     phaseFromFlags(cur.State.Flags),
		Message:   cur.State.Text,
	}
	update.CurrentJobName = cur.Job.File.Name
	if cur.Progress.Completion != nil {
		update.ProgressPercent = clampPercent(int(*cur.Progress.Completion + 0.5))
	}
	if cur.Progress.PrintTime != nil {
		v := *cur.Progress.PrintTime / 60
		update.ElapsedMin = &v
		started := now.Add(-time.Duration(*cur.Progress.PrintTime) * time.Second)
		update.StartedAt = &started
	}
	if cur.Progress.PrintTimeLeft != nil {
		v := *cur.Progress.PrintTimeLeft / 60
		update.RemainingMin = &v
		end := now.Add(time.Duration(*cur.Progress.PrintTimeLeft) * time.Second)
		update.EstimatedEndAt = &end
	}
	if len(cur.Temps) > 0 {
		latest := cur.Temps[len(cur.Temps)-1]
		if latest.Tool0 != nil {
			v := latest.Tool0.Actual
			update.Temperatures.Nozzle = &v
		}
		if latest.Bed != nil {
			v := latest.Bed.Actual
			update.Temperatures.Bed = &v
		}
	}
	if update.Phase == printers.PhasePrinting && update.CurrentJobName == "" {
		update.CurrentJobName = fmt.Sprintf("print-%s", now.Format("20060102-150405"))
	}

	p.driver.mu.Lock()
	p.driver.pushed = update
	p.driver.pushedAt = now
	p.driver.mu.Unlock()
}
