package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copperx-bot/internal/copperx"
	"copperx-bot/internal/domain"
	"copperx-bot/internal/repository"
)

// CopperxAPI es la superficie del gateway de pagos que consume el motor.
type CopperxAPI interface {
	RequestOTP(ctx context.Context, email string) (string, error)
	VerifyOTP(ctx context.Context, email, otp, sid string) (string, error)
	FetchProfile(ctx context.Context, token string) (copperx.Profile, error)
	FetchKycStatus(ctx context.Context, token string) (bool, error)
	FetchBalances(ctx context.Context, token string) ([]copperx.Balance, error)
	ListWallets(ctx context.Context, token string) ([]copperx.Wallet, error)
	SetDefaultWallet(ctx context.Context, token, walletID string) error
	ListTransfers(ctx context.Context, token string, page, limit int) ([]copperx.Transfer, error)
	SendFunds(ctx context.Context, token string, kind domain.RecipientKind, recipient string, amount float64) error
	RequestWithdrawal(ctx context.Context, token string, amount float64) error
}

// Subscriptions registra usuarios en el canal de depositos de su organizacion.
type Subscriptions interface {
	Subscribe(chatID int64, organizationID string)
	Unsubscribe(chatID int64)
}

const (
	msgLoginRequired    = "⚠️ Please /login to continue."
	msgSessionExpired   = "⚠️ Your session has expired. Please /login again to continue."
	msgSessionMalformed = "⚠️ Session error. Please /login again."
	msgSessionSaveFail  = "❌ Could not save your session. Please try /login again in a moment."
	msgCancelled        = "❌ *Operation cancelled.*\nUse the menu below to continue:"
	msgRateLimited      = "⚠️ *Rate limit exceeded.* Please wait a few minutes and try again."
	msgNetworkError     = "❌ *Network error.* Please check your connection and try again."
	msgGenericError     = "❌ *An error occurred.* Please try again or contact support: https://t.me/copperxcommunity/2183"
)

// Engine es la maquina de estados que guia los dialogos multi-paso. El
// transporte entrega los updates de un mismo chat en serie, por lo que el
// estado de flujo de un usuario nunca lo tocan dos pasos a la vez.
type Engine struct {
	logger   *zap.Logger
	sessions repository.SessionStore
	api      CopperxAPI
	limiter  OTPRateLimiter
	subs     Subscriptions
	now      func() time.Time

	mu    sync.Mutex
	flows map[int64]*domain.FlowState
}

// NewEngine crea el motor de conversacion con sus dependencias.
func NewEngine(logger *zap.Logger, sessions repository.SessionStore, api CopperxAPI, limiter OTPRateLimiter, subs Subscriptions) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger,
		sessions: sessions,
		api:      api,
		limiter:  limiter,
		subs:     subs,
		now:      time.Now,
		flows:    make(map[int64]*domain.FlowState),
	}
}

// HandleUpdate procesa una accion entrante y devuelve las respuestas a
// emitir. Nunca entra en panico: un fallo en un flujo termina ese flujo y
// nada mas.
func (e *Engine) HandleUpdate(ctx context.Context, upd domain.Update) []domain.Reply {
	switch upd.Kind {
	case domain.UpdateCommand:
		return e.handleCommand(ctx, upd)
	case domain.UpdateText:
		return e.handleText(ctx, upd)
	case domain.UpdateButton:
		return e.handleButton(ctx, upd)
	}
	return nil
}

func (e *Engine) handleCommand(ctx context.Context, upd domain.Update) []domain.Reply {
	switch upd.Command {
	case "start":
		return e.cmdStart(upd)
	case "help":
		return e.cmdHelp(upd)
	case "login":
		return e.cmdLogin(upd)
	case "logout":
		return e.cmdLogout(ctx, upd)
	case "cancel":
		return e.cmdCancel(upd)
	case "profile":
		return e.cmdProfile(ctx, upd)
	case "kyc":
		return e.cmdKyc(ctx, upd)
	case "balance":
		return e.cmdBalance(ctx, upd)
	case "setdefault":
		return e.cmdSetDefault(ctx, upd)
	case "deposit":
		return e.cmdDeposit(ctx, upd)
	case "history":
		return e.cmdHistory(ctx, upd)
	case "send":
		return e.cmdSend(ctx, upd)
	case "withdraw":
		return e.cmdWithdraw(ctx, upd)
	}
	return e.reply(upd.ChatID, "🤔 Unknown command. Use /help to see what I can do.")
}

func (e *Engine) handleText(ctx context.Context, upd domain.Update) []domain.Reply {
	fl := e.flow(upd.ChatID)
	if fl == nil {
		return nil
	}
	switch fl.Step {
	case domain.StepLoginEmail:
		return e.loginEmailInput(ctx, upd, fl)
	case domain.StepLoginOTP:
		return e.loginOTPInput(ctx, upd, fl)
	case domain.StepSendRecipient:
		return e.sendRecipientInput(upd, fl)
	case domain.StepSendAmount:
		return e.sendAmountInput(upd, fl)
	case domain.StepWithdrawAmount:
		return e.withdrawAmountInput(upd, fl)
	}
	// Paso a la espera de un boton: texto libre no avanza el flujo.
	return e.promptForStep(upd.ChatID, fl)
}

func (e *Engine) handleButton(ctx context.Context, upd domain.Update) []domain.Reply {
	data := upd.Button
	switch {
	case strings.HasPrefix(data, "cmd_"):
		cmd := upd
		cmd.Kind = domain.UpdateCommand
		cmd.Command = strings.TrimPrefix(data, "cmd_")
		return e.handleCommand(ctx, cmd)
	case strings.HasPrefix(data, "default_"):
		return e.defaultWalletButton(ctx, upd, strings.TrimPrefix(data, "default_"))
	case data == "send_email":
		return e.sendKindButton(upd, domain.RecipientEmail)
	case data == "send_wallet":
		return e.sendKindButton(upd, domain.RecipientWallet)
	case data == "send_confirm":
		return e.sendConfirmButton(ctx, upd)
	case data == "withdraw_confirm":
		return e.withdrawConfirmButton(ctx, upd)
	case data == "send_cancel" || data == "withdraw_cancel":
		return e.cancelButton(upd)
	}
	e.logger.Debug("unknown button ignored", zap.Int64("chat_id", upd.ChatID), zap.String("data", data))
	return nil
}

// flow devuelve el estado de flujo del chat, o nil si esta en Idle.
func (e *Engine) flow(chatID int64) *domain.FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flows[chatID]
}

// startFlow descarta cualquier flujo previo del chat y arranca uno nuevo:
// el ultimo comando gana, sin mezclar estado entre flujos.
func (e *Engine) startFlow(chatID int64, step domain.Step) *domain.FlowState {
	fl := &domain.FlowState{ID: uuid.NewString(), Step: step}
	e.mu.Lock()
	e.flows[chatID] = fl
	e.mu.Unlock()
	return fl
}

func (e *Engine) clearFlow(chatID int64) {
	e.mu.Lock()
	delete(e.flows, chatID)
	e.mu.Unlock()
}

// clearFlowIf descarta el flujo solo si su identidad coincide. Devuelve
// false cuando el flujo fue cancelado o reemplazado mientras una llamada
// al gateway estaba en vuelo; el resultado de esa llamada ya no es
// relevante y no debe emitirse.
func (e *Engine) clearFlowIf(chatID int64, flowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	fl, ok := e.flows[chatID]
	if !ok || fl.ID != flowID {
		return false
	}
	delete(e.flows, chatID)
	return true
}

// requireSession busca y valida la sesion del chat. Si no hay sesion
// utilizable devuelve las respuestas a emitir y un registro nil. Un fallo
// de lectura del almacenamiento se trata como ausencia de sesion.
func (e *Engine) requireSession(ctx context.Context, chatID int64) (*domain.SessionRecord, []domain.Reply) {
	rec, err := e.sessions.Get(ctx, chatID)
	if err != nil {
		if !errors.Is(err, repository.ErrSessionNotFound) {
			e.logger.Warn("session read failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return nil, e.reply(chatID, msgLoginRequired)
	}
	switch ValidateSession(&rec, e.now()) {
	case SessionValid:
		return &rec, nil
	case SessionExpired:
		return nil, e.reply(chatID, msgSessionExpired)
	case SessionMalformed:
		return nil, e.reply(chatID, msgSessionMalformed)
	}
	return nil, e.reply(chatID, msgLoginRequired)
}

func (e *Engine) cmdStart(upd domain.Update) []domain.Reply {
	text := "🌟 *Welcome to the Copperx Payout Bot!* 🌟\n" +
		"Easily manage your USDC transactions directly in Telegram. " +
		"To begin, please /login with your Copperx credentials or use /help to explore all available commands."
	return e.replyWithMenu(upd.ChatID, text)
}

func (e *Engine) cmdHelp(upd domain.Update) []domain.Reply {
	text := "📋 *Copperx Payout Bot Commands:*\n\n" +
		"🔐 *Account Management*\n" +
		"/start - Start the bot\n" +
		"/login - Log in to Copperx\n" +
		"/logout - Log out and forget this session\n" +
		"/profile - View your account details\n" +
		"/kyc - Check your KYC/KYB status\n\n" +
		"👛 *Wallet Management*\n" +
		"/balance - Check your wallet balances\n" +
		"/setdefault - Set your default wallet\n" +
		"/deposit - Get instructions to deposit USDC\n" +
		"/history - View your last 10 transactions\n\n" +
		"💸 *Fund Transfers*\n" +
		"/send - Send USDC to an email or wallet\n" +
		"/withdraw - Withdraw USDC to your bank\n\n" +
		"/cancel - Cancel the current operation\n" +
		"/help - Show this message\n\n" +
		"📞 *Support:* https://t.me/copperxcommunity/2183"
	return e.replyWithMenu(upd.ChatID, text)
}

func (e *Engine) cmdCancel(upd domain.Update) []domain.Reply {
	// Idempotente: cancelar desde Idle tampoco es error.
	e.clearFlow(upd.ChatID)
	return e.replyWithMenu(upd.ChatID, msgCancelled)
}

func (e *Engine) cmdLogout(ctx context.Context, upd domain.Update) []domain.Reply {
	e.clearFlow(upd.ChatID)
	if err := e.sessions.Delete(ctx, upd.ChatID); err != nil {
		e.logger.Warn("session delete failed", zap.Int64("chat_id", upd.ChatID), zap.Error(err))
		return e.reply(upd.ChatID, "❌ Could not remove your session right now. Please try /logout again.")
	}
	if e.subs != nil {
		e.subs.Unsubscribe(upd.ChatID)
	}
	return e.replyWithMenu(upd.ChatID, "👋 *Logged out.* Your session has been removed. Use /login to connect again.")
}

func (e *Engine) cmdProfile(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	profile, err := e.api.FetchProfile(ctx, rec.AuthToken)
	if err != nil {
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error fetching profile"))
	}
	text := fmt.Sprintf(
		"👤 *Your Copperx Profile:*\n\n"+
			"📧 *Email:* %s\n"+
			"🏢 *Organization ID:* %s\n"+
			"👛 *Wallet Address:* %s\n"+
			"🔐 *Wallet Type:* %s\n\n"+
			"Use the menu below to continue:",
		profile.Email, profile.OrganizationID, profile.WalletAddress, profile.WalletAccountType,
	)
	return e.replyWithMenu(upd.ChatID, text)
}

func (e *Engine) cmdKyc(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	approved, err := e.api.FetchKycStatus(ctx, rec.AuthToken)
	if err != nil {
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error checking KYC"))
	}
	if approved {
		return e.replyWithMenu(upd.ChatID, "✅ *KYC/KYB Approved!*\nYou’re all set to perform transactions.\n\nUse the menu below to continue:")
	}
	return e.replyWithMenu(upd.ChatID,
		"⚠️ *KYC/KYB Not Approved.*\n"+
			"Please complete your KYC/KYB on the Copperx platform to enable full functionality: https://copperx.io\n\n"+
			"Use the menu below to continue:")
}

func (e *Engine) cmdBalance(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	balances, err := e.api.FetchBalances(ctx, rec.AuthToken)
	if err != nil {
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error fetching balances"))
	}
	if len(balances) == 0 {
		return e.replyWithMenu(upd.ChatID,
			"⚠️ *No wallet balances found.*\n"+
				"Please deposit USDC to your wallet. Use /deposit for instructions.\n\n"+
				"Use the menu below to continue:")
	}
	var b strings.Builder
	b.WriteString("💰 *Your Wallet Balances:*\n\n")
	for _, bal := range balances {
		fmt.Fprintf(&b, "- %v USDC on %s\n", bal.Amount, bal.Network)
	}
	b.WriteString("\nUse the menu below to continue:")
	return e.replyWithMenu(upd.ChatID, b.String())
}

func (e *Engine) cmdSetDefault(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	wallets, err := e.api.ListWallets(ctx, rec.AuthToken)
	if err != nil {
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error fetching wallets"))
	}
	if len(wallets) == 0 {
		return e.replyWithMenu(upd.ChatID,
			"⚠️ *No wallets found.*\n"+
				"Please add a wallet on the Copperx platform: https://copperx.io\n\n"+
				"Use the menu below to continue:")
	}
	rows := make([][]domain.Button, 0, len(wallets))
	for _, w := range wallets {
		rows = append(rows, []domain.Button{{Label: w.Network, Data: "default_" + w.ID}})
	}
	return []domain.Reply{{
		ChatID:  upd.ChatID,
		Text:    "🔧 *Select your default wallet:*\nThis wallet will be used for transactions.",
		Buttons: rows,
	}}
}

func (e *Engine) defaultWalletButton(ctx context.Context, upd domain.Update, walletID string) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	// Primero la plataforma, que es la fuente de verdad; la copia local
	// solo se persiste cuando el cambio remoto ya quedo aplicado.
	if err := e.api.SetDefaultWallet(ctx, rec.AuthToken, walletID); err != nil {
		return e.editReply(upd, e.apiErrorText(err, "Error setting default wallet"))
	}
	if err := e.sessions.UpdateDefaultWallet(ctx, upd.ChatID, walletID); err != nil {
		e.logger.Warn("default wallet update failed", zap.Int64("chat_id", upd.ChatID), zap.Error(err))
		return e.editReply(upd, "❌ Could not save your default wallet. Please try /setdefault again.")
	}
	return []domain.Reply{{
		ChatID:        upd.ChatID,
		EditMessageID: upd.MessageID,
		Text:          "✅ *Default wallet set successfully!*\nUse the menu below to continue:",
		Buttons:       commandMenu(),
	}}
}

func (e *Engine) cmdDeposit(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	return e.replyWithMenu(upd.ChatID,
		"💸 *Deposit USDC:*\n\n"+
			"To deposit USDC, please send it to your wallet address on the Copperx platform.\n"+
			"1. Visit https://copperx.io and log in.\n"+
			"2. Navigate to your wallet section.\n"+
			"3. Copy your wallet address and send USDC to it.\n"+
			"4. Use /balance to check your updated balance.\n\n"+
			"You’ll receive a notification here once the deposit is confirmed.\n\n"+
			"Use the menu below to continue:")
}

func (e *Engine) cmdHistory(ctx context.Context, upd domain.Update) []domain.Reply {
	rec, replies := e.requireSession(ctx, upd.ChatID)
	if rec == nil {
		return replies
	}
	transfers, err := e.api.ListTransfers(ctx, rec.AuthToken, 1, 10)
	if err != nil {
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error fetching history"))
	}
	if len(transfers) == 0 {
		return e.replyWithMenu(upd.ChatID,
			"📜 *Transaction History:*\n\n"+
				"No recent transactions found.\n"+
				"Use /send or /withdraw to start transacting.\n\n"+
				"Use the menu below to continue:")
	}
	var b strings.Builder
	b.WriteString("📜 *Last 10 Transactions:*\n\n")
	for _, tr := range transfers {
		date := tr.CreatedAt
		if len(date) > 10 {
			date = date[:10]
		}
		fmt.Fprintf(&b, "- %v USDC (%s) on %s\n", tr.Amount, tr.Type, date)
	}
	b.WriteString("\nUse the menu below to continue:")
	return e.replyWithMenu(upd.ChatID, b.String())
}

// promptForStep repite la instruccion del paso actual sin avanzar.
func (e *Engine) promptForStep(chatID int64, fl *domain.FlowState) []domain.Reply {
	switch fl.Step {
	case domain.StepSendRecipientKind:
		return []domain.Reply{{ChatID: chatID, Text: "📤 *Send USDC:*\nChoose the recipient type:", Buttons: recipientKindButtons()}}
	case domain.StepSendConfirm:
		return []domain.Reply{{ChatID: chatID, Text: confirmSendText(fl), Buttons: confirmButtons("send")}}
	case domain.StepWithdrawConfirm:
		return []domain.Reply{{ChatID: chatID, Text: confirmWithdrawText(fl), Buttons: confirmButtons("withdraw")}}
	}
	return nil
}

// apiErrorText traduce la taxonomia de errores del gateway a texto de
// usuario. La clasificacion vive aqui, no en el gateway.
func (e *Engine) apiErrorText(err error, failure string) string {
	if httpErr, ok := copperx.AsHTTPError(err); ok {
		switch {
		case httpErr.RateLimited():
			return msgRateLimited
		case httpErr.NotFound():
			return fmt.Sprintf("❌ *%s:* not found\nPlease try again or contact support: https://t.me/copperxcommunity/2183", failure)
		default:
			return fmt.Sprintf("❌ *%s:* %s\nPlease try again or contact support: https://t.me/copperxcommunity/2183", failure, httpErr.Message)
		}
	}
	var netErr *copperx.NetworkError
	if errors.As(err, &netErr) {
		return msgNetworkError
	}
	e.logger.Warn("unexpected gateway error", zap.Error(err))
	return msgGenericError
}

func (e *Engine) reply(chatID int64, text string) []domain.Reply {
	return []domain.Reply{{ChatID: chatID, Text: text}}
}

func (e *Engine) replyWithMenu(chatID int64, text string) []domain.Reply {
	return []domain.Reply{{ChatID: chatID, Text: text, Buttons: commandMenu()}}
}

func (e *Engine) editReply(upd domain.Update, text string) []domain.Reply {
	return []domain.Reply{{ChatID: upd.ChatID, EditMessageID: upd.MessageID, Text: text}}
}

func commandMenu() [][]domain.Button {
	return [][]domain.Button{
		{
			{Label: "Login", Data: "cmd_login"},
			{Label: "Profile", Data: "cmd_profile"},
			{Label: "KYC", Data: "cmd_kyc"},
		},
		{
			{Label: "Balance", Data: "cmd_balance"},
			{Label: "Set Default", Data: "cmd_setdefault"},
			{Label: "Deposit", Data: "cmd_deposit"},
		},
		{
			{Label: "History", Data: "cmd_history"},
			{Label: "Send", Data: "cmd_send"},
			{Label: "Withdraw", Data: "cmd_withdraw"},
		},
		{
			{Label: "Help", Data: "cmd_help"},
		},
	}
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}

func isValidOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// parseAmount acepta solo numeros finitos estrictamente positivos.
func parseAmount(text string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}
