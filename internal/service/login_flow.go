package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"copperx-bot/internal/copperx"
	"copperx-bot/internal/domain"
)

// sessionTTL es la vigencia fija de una sesion tras el login. No hay
// refresh: la re-autenticacion siempre la inicia el usuario con /login.
const sessionTTL = time.Hour

func (e *Engine) cmdLogin(upd domain.Update) []domain.Reply {
	e.startFlow(upd.ChatID, domain.StepLoginEmail)
	return e.reply(upd.ChatID,
		"📧 *Let’s get you logged in!*\n"+
			"Please enter your Copperx email address to receive an OTP:")
}

func (e *Engine) loginEmailInput(ctx context.Context, upd domain.Update, fl *domain.FlowState) []domain.Reply {
	email := strings.TrimSpace(upd.Text)
	if !isValidEmail(email) {
		return e.reply(upd.ChatID, "❌ *Invalid email format.* Please enter a valid email address:")
	}

	if e.limiter != nil && !e.limiter.Allow(email) {
		e.clearFlow(upd.ChatID)
		return e.reply(upd.ChatID, msgRateLimited)
	}

	sid, err := e.api.RequestOTP(ctx, email)
	if err != nil {
		e.clearFlow(upd.ChatID)
		return e.reply(upd.ChatID, e.otpRequestErrorText(err))
	}

	fl.Email = email
	fl.OTPSessionID = sid
	fl.Step = domain.StepLoginOTP
	return e.reply(upd.ChatID,
		"🔑 *OTP sent!* Please check your email (including spam/junk folder) and enter the 6-digit OTP here:")
}

func (e *Engine) loginOTPInput(ctx context.Context, upd domain.Update, fl *domain.FlowState) []domain.Reply {
	otp := strings.TrimSpace(upd.Text)
	if !isValidOTPCode(otp) {
		return e.reply(upd.ChatID, "❌ *Invalid OTP.* It must be a 6-digit number. Please try again:")
	}

	token, err := e.api.VerifyOTP(ctx, fl.Email, otp, fl.OTPSessionID)
	if err != nil {
		if httpErr, ok := copperx.AsHTTPError(err); ok {
			if httpErr.RateLimited() {
				e.clearFlow(upd.ChatID)
				return e.reply(upd.ChatID, msgRateLimited)
			}
			// Un OTP incorrecto no reinicia el login: se pide otro.
			return e.reply(upd.ChatID, fmt.Sprintf(
				"❌ *Invalid OTP:* %s\nPlease try again or request a new OTP with /login.", httpErr.Message))
		}
		e.clearFlow(upd.ChatID)
		var netErr *copperx.NetworkError
		if errors.As(err, &netErr) {
			return e.reply(upd.ChatID, msgNetworkError)
		}
		e.logger.Warn("otp verification failed", zap.Int64("chat_id", upd.ChatID), zap.Error(err))
		return e.reply(upd.ChatID, msgGenericError)
	}

	profile, err := e.api.FetchProfile(ctx, token)
	if err != nil {
		e.clearFlow(upd.ChatID)
		return e.reply(upd.ChatID, e.apiErrorText(err, "Error fetching profile"))
	}

	record := domain.SessionRecord{
		ChatID:         upd.ChatID,
		Email:          fl.Email,
		AuthToken:      token,
		OrganizationID: profile.OrganizationID,
		TokenExpiry:    FormatTokenExpiry(e.now().Add(sessionTTL)),
	}
	if err := e.sessions.Put(ctx, record); err != nil {
		e.clearFlow(upd.ChatID)
		e.logger.Error("session save failed", zap.Int64("chat_id", upd.ChatID), zap.Error(err))
		return e.reply(upd.ChatID, msgSessionSaveFail)
	}

	e.clearFlow(upd.ChatID)
	if e.subs != nil {
		e.subs.Subscribe(upd.ChatID, profile.OrganizationID)
	}
	e.logger.Info("login completed",
		zap.Int64("chat_id", upd.ChatID),
		zap.String("organization_id", profile.OrganizationID),
	)
	return e.replyWithMenu(upd.ChatID,
		"✅ *Login successful!* You’re now connected to Copperx.\n"+
			"Use the menu below to manage your USDC transactions:")
}

// otpRequestErrorText da copy especifico a los fallos del pedido de OTP.
func (e *Engine) otpRequestErrorText(err error) string {
	if httpErr, ok := copperx.AsHTTPError(err); ok {
		switch {
		case httpErr.RateLimited():
			return msgRateLimited
		case httpErr.NotFound():
			return "❌ *Email not found.* Please ensure you’re using the email associated with your Copperx account, or sign up at https://copperx.io."
		default:
			return fmt.Sprintf("❌ *Error sending OTP:* %s\nPlease try again or contact support: https://t.me/copperxcommunity/2183", httpErr.Message)
		}
	}
	var netErr *copperx.NetworkError
	if errors.As(err, &netErr) {
		return msgNetworkError
	}
	e.logger.Warn("otp request failed", zap.Error(err))
	return msgGenericError
}
