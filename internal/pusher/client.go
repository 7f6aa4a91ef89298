// Package pusher implementa un cliente minimo del protocolo Pusher 7
// sobre websocket, limitado a lo que el bot necesita: suscribirse a los
// canales privados por organizacion y recibir eventos de deposito.
package pusher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"copperx-bot/internal/domain"
)

const (
	depositEvent     = "deposit"
	channelPrefix    = "private-org-"
	maxReconnectWait = 30 * time.Second
)

// Client mantiene la conexion websocket con Pusher y reexpone los
// depositos como eventos de dominio. Sobrevive a desconexiones: Run
// reconecta con backoff y rehace todas las suscripciones vigentes.
type Client struct {
	key     string
	secret  string
	cluster string
	logger  *zap.Logger

	events chan domain.DepositEvent

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	channels map[string]struct{}

	// gorilla/websocket admite un solo escritor a la vez; Subscribe llega
	// desde el procesamiento de conversaciones mientras Run responde pings
	// y rehace suscripciones, asi que toda escritura pasa por este mutex.
	writeMu sync.Mutex
}

// NewClient crea el cliente con las credenciales de la app Pusher.
func NewClient(key, secret, cluster string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		key:      key,
		secret:   secret,
		cluster:  cluster,
		logger:   logger,
		events:   make(chan domain.DepositEvent, 32),
		channels: make(map[string]struct{}),
	}
}

// Events expone el canal de depositos entrantes.
func (c *Client) Events() <-chan domain.DepositEvent {
	return c.events
}

// Subscribe registra la suscripcion al canal de la organizacion. Si la
// conexion esta viva el frame se manda de inmediato; si no, queda
// pendiente y Run la rehace al reconectar.
func (c *Client) Subscribe(organizationID string) error {
	channel := channelPrefix + organizationID

	c.mu.Lock()
	c.channels[channel] = struct{}{}
	conn, socketID := c.conn, c.socketID
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.sendSubscribe(conn, socketID, channel)
}

// Run mantiene la conexion hasta que el contexto termina.
func (c *Client) Run(ctx context.Context) {
	wait := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		established, err := c.session(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("event stream disconnected", zap.Error(err))
		}
		if established {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait < maxReconnectWait {
			wait *= 2
		}
	}
}

// session abre una conexion y lee frames hasta que se corta. Devuelve
// true si el handshake llego a completarse.
func (c *Client) session(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?protocol=7&client=copperx-bot&version=1.0", c.cluster, c.key)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial pusher: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer c.dropConn(conn)

	established := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return established, err
		}
		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("unreadable pusher frame", zap.Error(err))
			continue
		}
		if err := c.handle(conn, msg); err != nil {
			return established, err
		}
		if msg.Event == "pusher:connection_established" {
			established = true
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, msg wireMessage) error {
	switch msg.Event {
	case "pusher:connection_established":
		var hello struct {
			SocketID string `json:"socket_id"`
		}
		if err := json.Unmarshal(msg.payload(), &hello); err != nil {
			return fmt.Errorf("connection handshake: %w", err)
		}
		c.mu.Lock()
		c.conn = conn
		c.socketID = hello.SocketID
		channels := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			channels = append(channels, ch)
		}
		c.mu.Unlock()
		for _, ch := range channels {
			if err := c.sendSubscribe(conn, hello.SocketID, ch); err != nil {
				return err
			}
		}
		return nil

	case "pusher:ping":
		return c.writeJSON(conn, map[string]any{"event": "pusher:pong", "data": "{}"})

	case "pusher:error":
		c.logger.Warn("pusher error frame", zap.ByteString("data", msg.payload()))
		return nil

	case depositEvent:
		ev, err := parseDeposit(msg.Channel, msg.payload())
		if err != nil {
			c.logger.Warn("unreadable deposit event", zap.Error(err))
			return nil
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event buffer full, deposit dropped",
				zap.String("organization_id", ev.OrganizationID))
		}
		return nil
	}
	return nil
}

func (c *Client) sendSubscribe(conn *websocket.Conn, socketID, channel string) error {
	frame := map[string]any{
		"event": "pusher:subscribe",
		"data": map[string]string{
			"auth":    c.channelAuth(socketID, channel),
			"channel": channel,
		},
	}
	if err := c.writeJSON(conn, frame); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// channelAuth firma la suscripcion a un canal privado: la firma es el
// HMAC-SHA256 de "<socket_id>:<canal>" con el secret de la app.
func (c *Client) channelAuth(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(socketID + ":" + channel))
	return c.key + ":" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.socketID = ""
	}
	c.mu.Unlock()
}

// wireMessage es el frame crudo del protocolo. El campo data llega a
// veces como objeto y a veces como string con JSON adentro.
type wireMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (m wireMessage) payload() []byte {
	raw := m.Data
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			return []byte(inner)
		}
	}
	return raw
}

// flexFloat tolera montos serializados como numero o como string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func parseDeposit(channel string, payload []byte) (domain.DepositEvent, error) {
	var body struct {
		Amount  flexFloat `json:"amount"`
		Network string    `json:"network"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return domain.DepositEvent{}, err
	}
	return domain.DepositEvent{
		OrganizationID: strings.TrimPrefix(channel, channelPrefix),
		Amount:         float64(body.Amount),
		Network:        body.Network,
	}, nil
}
