// Package transport habla con la Bot API de Telegram: long polling de
// updates hacia adentro y envio de mensajes hacia afuera. La conversion
// a tipos de dominio vive aqui; el motor nunca ve el formato de Telegram.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"copperx-bot/internal/domain"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	pollTimeout    = 30 * time.Second
)

// Bot es el cliente de la Bot API para un token concreto.
type Bot struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	offset int64
}

// NewBot crea el cliente de Telegram. baseURL vacio usa la API publica.
func NewBot(token, baseURL string, logger *zap.Logger) *Bot {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		// El timeout debe superar la ventana de long polling.
		client: &http.Client{Timeout: pollTimeout + 10*time.Second},
		logger: logger,
	}
}

// SetCommands publica el menu de comandos que Telegram muestra al usuario.
func (b *Bot) SetCommands(ctx context.Context) error {
	commands := []map[string]string{
		{"command": "start", "description": "Start the bot"},
		{"command": "login", "description": "Log in to Copperx"},
		{"command": "logout", "description": "Log out"},
		{"command": "profile", "description": "View your account details"},
		{"command": "kyc", "description": "Check your KYC/KYB status"},
		{"command": "balance", "description": "Check wallet balances"},
		{"command": "setdefault", "description": "Set your default wallet"},
		{"command": "deposit", "description": "Deposit USDC instructions"},
		{"command": "history", "description": "Last 10 transactions"},
		{"command": "send", "description": "Send USDC"},
		{"command": "withdraw", "description": "Withdraw USDC to your bank"},
		{"command": "cancel", "description": "Cancel the current operation"},
		{"command": "help", "description": "Show all commands"},
	}
	return b.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// Poll consume updates en serie y los entrega al handler hasta que el
// contexto termina. Un fallo de red espera y reintenta; nunca tumba el bot.
func (b *Bot) Poll(ctx context.Context, handle func(domain.Update)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("get updates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, raw := range updates {
			if raw.UpdateID >= b.offset {
				b.offset = raw.UpdateID + 1
			}
			if raw.CallbackQuery != nil {
				// El ack saca el spinner del boton; un fallo solo se loguea.
				if err := b.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": raw.CallbackQuery.ID}, nil); err != nil {
					b.logger.Warn("callback ack failed", zap.Error(err))
				}
			}
			upd, ok := toDomainUpdate(raw)
			if !ok {
				continue
			}
			handle(upd)
		}
	}
}

// Send emite una respuesta: mensaje nuevo, o edicion si trae EditMessageID.
func (b *Bot) Send(ctx context.Context, reply domain.Reply) error {
	payload := map[string]any{
		"chat_id":    reply.ChatID,
		"text":       reply.Text,
		"parse_mode": "Markdown",
	}
	if len(reply.Buttons) > 0 {
		payload["reply_markup"] = inlineKeyboard(reply.Buttons)
	}
	method := "sendMessage"
	if reply.EditMessageID != 0 {
		method = "editMessageText"
		payload["message_id"] = reply.EditMessageID
	}
	return b.call(ctx, method, payload, nil)
}

func (b *Bot) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	var updates []tgUpdate
	err := b.call(ctx, "getUpdates", map[string]any{
		"offset":          b.offset,
		"timeout":         int(pollTimeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

func (b *Bot) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type tgUpdate struct {
	UpdateID      int64       `json:"update_id"`
	Message       *tgMessage  `json:"message"`
	CallbackQuery *tgCallback `json:"callback_query"`
}

type tgMessage struct {
	MessageID int    `json:"message_id"`
	Chat      tgChat `json:"chat"`
	Text      string `json:"text"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

// toDomainUpdate traduce un update crudo. Updates sin contenido util
// (mensajes sin texto, callbacks sin mensaje) se descartan.
func toDomainUpdate(raw tgUpdate) (domain.Update, bool) {
	if raw.CallbackQuery != nil {
		if raw.CallbackQuery.Message == nil || raw.CallbackQuery.Data == "" {
			return domain.Update{}, false
		}
		return domain.Update{
			Kind:      domain.UpdateButton,
			ChatID:    raw.CallbackQuery.Message.Chat.ID,
			MessageID: raw.CallbackQuery.Message.MessageID,
			Button:    raw.CallbackQuery.Data,
		}, true
	}
	if raw.Message == nil || strings.TrimSpace(raw.Message.Text) == "" {
		return domain.Update{}, false
	}
	upd := domain.Update{
		ChatID:    raw.Message.Chat.ID,
		MessageID: raw.Message.MessageID,
	}
	if name, args, ok := parseCommand(raw.Message.Text); ok {
		upd.Kind = domain.UpdateCommand
		upd.Command = name
		upd.Args = args
		return upd, true
	}
	upd.Kind = domain.UpdateText
	upd.Text = raw.Message.Text
	return upd, true
}

// parseCommand reconoce "/cmd arg..." y tolera la forma "/cmd@MiBot" que
// Telegram usa en grupos.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func inlineKeyboard(rows [][]domain.Button) map[string]any {
	keyboard := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		line := make([]map[string]string, 0, len(row))
		for _, btn := range row {
			line = append(line, map[string]string{
				"text":          btn.Label,
				"callback_data": btn.Data,
			})
		}
		keyboard = append(keyboard, line)
	}
	return map[string]any{"inline_keyboard": keyboard}
}
