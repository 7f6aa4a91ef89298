package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"copperx-bot/internal/domain"
)

// EventSource abre la suscripcion al canal de eventos de una organizacion.
// Una implementacion nil o un error de suscripcion solo degrada las
// notificaciones de deposito; nunca tumba el login.
type EventSource interface {
	Subscribe(organizationID string) error
}

// Notifier es el puente de notificaciones: mantiene la tabla de
// suscripciones org -> chats y reenvia depositos entrantes al canal de
// salida, en segundo plano respecto del procesamiento de conversaciones.
type Notifier struct {
	logger *zap.Logger
	out    chan<- domain.Reply
	source EventSource

	mu    sync.RWMutex
	orgs  map[string]map[int64]struct{}
	chats map[int64]string
}

// NewNotifier crea el puente con su canal de salida y la fuente de eventos.
func NewNotifier(logger *zap.Logger, out chan<- domain.Reply, source EventSource) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		logger: logger,
		out:    out,
		source: source,
		orgs:   make(map[string]map[int64]struct{}),
		chats:  make(map[int64]string),
	}
}

// Subscribe registra al chat en el canal de su organizacion. Varios chats
// de la misma organizacion reciben todos cada evento (fan-out).
func (n *Notifier) Subscribe(chatID int64, organizationID string) {
	if organizationID == "" {
		n.logger.Warn("subscribe without organization id", zap.Int64("chat_id", chatID))
		return
	}

	n.mu.Lock()
	if prev, ok := n.chats[chatID]; ok && prev != organizationID {
		delete(n.orgs[prev], chatID)
	}
	chats, ok := n.orgs[organizationID]
	if !ok {
		chats = make(map[int64]struct{})
		n.orgs[organizationID] = chats
	}
	chats[chatID] = struct{}{}
	n.chats[chatID] = organizationID
	n.mu.Unlock()

	if n.source == nil {
		n.logger.Warn("deposit notifications unavailable: no event source configured",
			zap.Int64("chat_id", chatID))
		return
	}
	if err := n.source.Subscribe(organizationID); err != nil {
		// Degradacion: la sesion sigue siendo usable sin notificaciones.
		n.logger.Warn("organization channel subscription failed",
			zap.String("organization_id", organizationID), zap.Error(err))
	}
}

// Unsubscribe quita al chat de la tabla; eventos posteriores de su
// organizacion ya no se le entregan.
func (n *Notifier) Unsubscribe(chatID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	org, ok := n.chats[chatID]
	if !ok {
		return
	}
	delete(n.chats, chatID)
	if chats, ok := n.orgs[org]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(n.orgs, org)
		}
	}
}

// Run consume eventos de deposito hasta que el contexto termina.
func (n *Notifier) Run(ctx context.Context, events <-chan domain.DepositEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Dispatch(ev)
		}
	}
}

// Dispatch reenvia un deposito a todos los chats suscritos a la
// organizacion. El envio nunca bloquea: si el canal de salida esta lleno
// el evento se descarta con un warning.
func (n *Notifier) Dispatch(ev domain.DepositEvent) {
	network := ev.Network
	if network == "" {
		network = "Unknown"
	}

	n.mu.RLock()
	targets := make([]int64, 0, len(n.orgs[ev.OrganizationID]))
	for chatID := range n.orgs[ev.OrganizationID] {
		targets = append(targets, chatID)
	}
	n.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	text := fmt.Sprintf(
		"💰 *New Deposit Received!*\n\nAmount: %v USDC\nNetwork: %s\n\nUse /balance to check your updated balance.",
		ev.Amount, network,
	)
	for _, chatID := range targets {
		select {
		case n.out <- domain.Reply{ChatID: chatID, Text: text}:
		default:
			n.logger.Warn("outbound channel full, deposit notification dropped",
				zap.Int64("chat_id", chatID),
				zap.String("organization_id", ev.OrganizationID),
			)
		}
	}
}
