package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"copperx-bot/internal/domain"
)

func (e *Engine) cmdSend(ctx context.Context, upd domain.Update) []domain.Reply {
	e.clearFlow(upd.ChatID)
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	e.startFlow(upd.ChatID, domain.StepSendRecipientKind)
	return []domain.Reply{{
		ChatID:  upd.ChatID,
		Text:    "📤 *Send USDC:*\nChoose the recipient type:",
		Buttons: recipientKindButtons(),
	}}
}

func (e *Engine) sendKindButton(upd domain.Update, kind domain.RecipientKind) []domain.Reply {
	fl := e.flow(upd.ChatID)
	if fl == nil || fl.Step != domain.StepSendRecipientKind {
		// Boton viejo de un flujo ya descartado.
		return nil
	}
	fl.RecipientKind = kind
	fl.Step = domain.StepSendRecipient
	return e.reply(upd.ChatID,
		"📧 *Enter recipient:*\n"+
			"Please provide the email address or wallet address of the recipient:")
}

func (e *Engine) sendRecipientInput(upd domain.Update, fl *domain.FlowState) []domain.Reply {
	recipient := strings.TrimSpace(upd.Text)
	if fl.RecipientKind == domain.RecipientEmail && !isValidEmail(recipient) {
		return e.reply(upd.ChatID, "❌ *Invalid email format.* Please enter a valid email address:")
	}
	if recipient == "" {
		return e.reply(upd.ChatID, "❌ *Invalid recipient.* Please enter a wallet address:")
	}
	fl.Recipient = recipient
	fl.Step = domain.StepSendAmount
	return e.reply(upd.ChatID, "💵 *Enter amount:*\nPlease specify the amount in USDC to send:")
}

func (e *Engine) sendAmountInput(upd domain.Update, fl *domain.FlowState) []domain.Reply {
	amount, ok := parseAmount(upd.Text)
	if !ok {
		return e.reply(upd.ChatID, "❌ *Invalid amount.* Please enter a positive number:")
	}
	fl.Amount = amount
	fl.Step = domain.StepSendConfirm
	return []domain.Reply{{
		ChatID:  upd.ChatID,
		Text:    confirmSendText(fl),
		Buttons: confirmButtons("send"),
	}}
}

func (e *Engine) sendConfirmButton(ctx context.Context, upd domain.Update) []domain.Reply {
	fl := e.flow(upd.ChatID)
	if fl == nil || fl.Step != domain.StepSendConfirm {
		return nil
	}
	snapshot := *fl

	// La sesion pudo expirar a mitad del flujo: se re-valida aqui.
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		e.clearFlowIf(upd.ChatID, snapshot.ID)
		return replies
	}

	err := e.api.SendFunds(ctx, rec.AuthToken, snapshot.RecipientKind, snapshot.Recipient, snapshot.Amount)
	if !e.clearFlowIf(upd.ChatID, snapshot.ID) {
		// El flujo fue cancelado o reemplazado con la llamada en vuelo.
		e.logger.Info("stale send result dropped", zap.Int64("chat_id", upd.ChatID), zap.String("flow_id", snapshot.ID))
		return nil
	}
	if err != nil {
		return e.editReply(upd, e.apiErrorText(err, "Transfer failed"))
	}
	return []domain.Reply{{
		ChatID:        upd.ChatID,
		EditMessageID: upd.MessageID,
		Text: fmt.Sprintf(
			"✅ *Transfer successful!*\nYou’ve sent %v USDC to %s.\n\nUse the menu below to continue:",
			snapshot.Amount, snapshot.Recipient),
		Buttons: commandMenu(),
	}}
}

func (e *Engine) cmdWithdraw(ctx context.Context, upd domain.Update) []domain.Reply {
	e.clearFlow(upd.ChatID)
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	e.startFlow(upd.ChatID, domain.StepWithdrawAmount)
	return e.reply(upd.ChatID, "🏦 *Withdraw to Bank:*\nPlease enter the amount in USDC to withdraw:")
}

func (e *Engine) withdrawAmountInput(upd domain.Update, fl *domain.FlowState) []domain.Reply {
	amount, ok := parseAmount(upd.Text)
	if !ok {
		return e.reply(upd.ChatID, "❌ *Invalid amount.* Please enter a positive number:")
	}
	fl.Amount = amount
	fl.Step = domain.StepWithdrawConfirm
	return []domain.Reply{{
		ChatID:  upd.ChatID,
		Text:    confirmWithdrawText(fl),
		Buttons: confirmButtons("withdraw"),
	}}
}

func (e *Engine) withdrawConfirmButton(ctx context.Context, upd domain.Update) []domain.Reply {
	fl := e.flow(upd.ChatID)
	if fl == nil || fl.Step != domain.StepWithdrawConfirm {
		return nil
	}
	snapshot := *fl

	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		e.clearFlowIf(upd.ChatID, snapshot.ID)
		return replies
	}

	err := e.api.RequestWithdrawal(ctx, rec.AuthToken, snapshot.Amount)
	if !e.clearFlowIf(upd.ChatID, snapshot.ID) {
		e.logger.Info("stale withdraw result dropped", zap.Int64("chat_id", upd.ChatID), zap.String("flow_id", snapshot.ID))
		return nil
	}
	if err != nil {
		return e.editReply(upd, e.apiErrorText(err, "Withdrawal failed"))
	}
	return []domain.Reply{{
		ChatID:        upd.ChatID,
		EditMessageID: upd.MessageID,
		Text: fmt.Sprintf(
			"✅ *Withdrawal requested!*\nYou’ve requested to withdraw %v USDC to your bank account.\n"+
				"Processing may take a few business days.\n\nUse the menu below to continue:",
			snapshot.Amount),
		Buttons: commandMenu(),
	}}
}

func (e *Engine) cancelButton(upd domain.Update) []domain.Reply {
	e.clearFlow(upd.ChatID)
	return []domain.Reply{{
		ChatID:        upd.ChatID,
		EditMessageID: upd.MessageID,
		Text:          msgCancelled,
		Buttons:       commandMenu(),
	}}
}

func recipientKindButtons() [][]domain.Button {
	return [][]domain.Button{
		{{Label: "Email", Data: "send_email"}},
		{{Label: "Wallet", Data: "send_wallet"}},
	}
}

func confirmButtons(flow string) [][]domain.Button {
	return [][]domain.Button{
		{{Label: "Confirm", Data: flow + "_confirm"}},
		{{Label: "Cancel", Data: flow + "_cancel"}},
	}
}

func confirmSendText(fl *domain.FlowState) string {
	return fmt.Sprintf("📤 *Send %v USDC to %s?*\n⚠️ Please note that transaction fees may apply.", fl.Amount, fl.Recipient)
}

func confirmWithdrawText(fl *domain.FlowState) string {
	return fmt.Sprintf("🏦 *Withdraw %v USDC to your bank account?*\n⚠️ Please ensure your KYC is approved. Transaction fees may apply.", fl.Amount)
}
