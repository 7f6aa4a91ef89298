package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"copperx-bot/internal/copperx"
	"copperx-bot/internal/domain"
	"copperx-bot/internal/repository"
)

func TestLoginHappyPath(t *testing.T) {
	api := &mockAPI{
		requestOTPSid: "abc123",
		verifyToken:   "tok",
		profile:       copperx.Profile{Email: "user@example.com", OrganizationID: "org1"},
	}
	eng, store, subs := newTestEngine(api)
	ctx := context.Background()

	r := singleReply(t, eng.HandleUpdate(ctx, cmd(1, "login")))
	if !strings.Contains(r.Text, "email address") {
		t.Fatalf("login prompt = %q", r.Text)
	}

	r = singleReply(t, eng.HandleUpdate(ctx, text(1, "user@example.com")))
	if !strings.Contains(r.Text, "OTP sent") {
		t.Fatalf("otp prompt = %q", r.Text)
	}
	if api.requestOTPCalls != 1 || api.lastOTPEmail != "user@example.com" {
		t.Fatalf("request otp: %+v", api)
	}
	if eng.flow(1).Step != domain.StepLoginOTP {
		t.Fatalf("step = %s", eng.flow(1).Step)
	}

	r = singleReply(t, eng.HandleUpdate(ctx, text(1, "482913")))
	if !strings.Contains(r.Text, "Login successful") {
		t.Fatalf("success reply = %q", r.Text)
	}
	if api.verifyOTPCalls != 1 || api.lastVerify != [3]string{"user@example.com", "482913", "abc123"} {
		t.Fatalf("verify otp args = %v", api.lastVerify)
	}

	rec, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	want := domain.SessionRecord{
		ChatID:         1,
		Email:          "user@example.com",
		AuthToken:      "tok",
		OrganizationID: "org1",
		TokenExpiry:    FormatTokenExpiry(testNow.Add(time.Hour)),
	}
	if rec != want {
		t.Fatalf("session record = %+v, want %+v", rec, want)
	}
	if subs.subscribed[1] != "org1" {
		t.Fatalf("notification subscription missing: %v", subs.subscribed)
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow must return to idle after login")
	}
}

func TestLoginReplacesExpiredSession(t *testing.T) {
	api := &mockAPI{
		requestOTPSid: "sid",
		verifyToken:   "fresh-token",
		profile:       copperx.Profile{OrganizationID: "org1"},
	}
	eng, store, _ := newTestEngine(api)
	old := seedSession(t, store, 1, -time.Hour)
	old.DefaultWalletID = "w-old"
	_ = store.Put(context.Background(), old)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	_ = eng.HandleUpdate(ctx, text(1, "user@example.com"))
	_ = eng.HandleUpdate(ctx, text(1, "482913"))

	rec, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AuthToken != "fresh-token" {
		t.Fatalf("token not replaced: %+v", rec)
	}
	if rec.TokenExpiry != FormatTokenExpiry(testNow.Add(time.Hour)) {
		t.Fatalf("expiry must be re-set on every login: %+v", rec)
	}
}

func TestLoginEmailValidation(t *testing.T) {
	api := &mockAPI{requestOTPSid: "sid"}
	eng, _, _ := newTestEngine(api)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	for _, bad := range []string{"nope", "a@b", "two words@example.com", "@example.com"} {
		r := singleReply(t, eng.HandleUpdate(ctx, text(1, bad)))
		if !strings.Contains(r.Text, "Invalid email") {
			t.Fatalf("input %q: got %q", bad, r.Text)
		}
		if eng.flow(1).Step != domain.StepLoginEmail {
			t.Fatalf("input %q must not advance the flow", bad)
		}
	}
	if api.requestOTPCalls != 0 {
		t.Fatalf("requestOtp must not be called for invalid emails")
	}
}

func TestLoginOTPFormatValidation(t *testing.T) {
	api := &mockAPI{requestOTPSid: "sid", verifyToken: "tok"}
	eng, _, _ := newTestEngine(api)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	_ = eng.HandleUpdate(ctx, text(1, "user@example.com"))

	for _, bad := range []string{"12345", "abcdef", "1234567", "12 456"} {
		r := singleReply(t, eng.HandleUpdate(ctx, text(1, bad)))
		if !strings.Contains(r.Text, "Invalid OTP") {
			t.Fatalf("input %q: got %q", bad, r.Text)
		}
		if eng.flow(1).Step != domain.StepLoginOTP {
			t.Fatalf("input %q must stay awaiting otp", bad)
		}
	}
	if api.verifyOTPCalls != 0 {
		t.Fatalf("verifyOtp must not be called for malformed codes")
	}
}

func TestLoginWrongOTPRepromptsWithoutRestart(t *testing.T) {
	api := &mockAPI{
		requestOTPSid: "sid",
		verifyErr:     &copperx.HTTPError{Status: 401, Message: "Invalid OTP"},
		profile:       copperx.Profile{OrganizationID: "org1"},
	}
	eng, store, _ := newTestEngine(api)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	_ = eng.HandleUpdate(ctx, text(1, "user@example.com"))

	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "111111")))
	if !strings.Contains(r.Text, "Invalid OTP") {
		t.Fatalf("got %q", r.Text)
	}
	if eng.flow(1) == nil || eng.flow(1).Step != domain.StepLoginOTP {
		t.Fatalf("a wrong otp must not abort the login flow")
	}

	// El siguiente intento con el codigo correcto completa el login.
	api.verifyErr = nil
	api.verifyToken = "tok"
	r = singleReply(t, eng.HandleUpdate(ctx, text(1, "482913")))
	if !strings.Contains(r.Text, "Login successful") {
		t.Fatalf("got %q", r.Text)
	}
	if _, err := store.Get(ctx, 1); err != nil {
		t.Fatalf("session must be persisted: %v", err)
	}
}

func TestLoginRateLimitedVerifyAborts(t *testing.T) {
	api := &mockAPI{
		requestOTPSid: "sid",
		verifyErr:     &copperx.HTTPError{Status: 429, Message: "Too many attempts"},
	}
	eng, _, _ := newTestEngine(api)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	_ = eng.HandleUpdate(ctx, text(1, "user@example.com"))

	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "482913")))
	if r.Text != msgRateLimited {
		t.Fatalf("a 429 on verify is not a wrong code, got %q", r.Text)
	}
	if eng.flow(1) != nil {
		t.Fatalf("rate limited verify must abort the login flow")
	}
}

func TestLoginRequestOTPFailuresAbort(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		contains string
	}{
		{"rate limited", &copperx.HTTPError{Status: 429, Message: "Too many"}, "Rate limit"},
		{"email not found", &copperx.HTTPError{Status: 404, Message: "No user"}, "Email not found"},
		{"remote error", &copperx.HTTPError{Status: 500, Message: "boom"}, "boom"},
		{"network error", &copperx.NetworkError{Err: errors.New("timeout")}, "Network error"},
		{"decode error", &copperx.DecodeError{Err: errors.New("bad json")}, "error occurred"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &mockAPI{requestOTPErr: tc.err}
			eng, _, _ := newTestEngine(api)
			ctx := context.Background()

			_ = eng.HandleUpdate(ctx, cmd(1, "login"))
			r := singleReply(t, eng.HandleUpdate(ctx, text(1, "user@example.com")))
			if !strings.Contains(r.Text, tc.contains) {
				t.Fatalf("got %q, want substring %q", r.Text, tc.contains)
			}
			if eng.flow(1) != nil {
				t.Fatalf("otp request failure must abort the login flow")
			}
		})
	}
}

func TestLoginLocalRateLimiterBlocksBeforeGateway(t *testing.T) {
	api := &mockAPI{requestOTPSid: "sid"}
	store := repository.NewMemorySessionStore()
	eng := NewEngine(nil, store, api, denyAllLimiter{}, nil)
	eng.now = func() time.Time { return testNow }
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "user@example.com")))
	if r.Text != msgRateLimited {
		t.Fatalf("got %q", r.Text)
	}
	if api.requestOTPCalls != 0 {
		t.Fatalf("limited request must not reach the gateway")
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow must return to idle")
	}
}

func TestLoginSessionSaveFailure(t *testing.T) {
	api := &mockAPI{requestOTPSid: "sid", verifyToken: "tok", profile: copperx.Profile{OrganizationID: "org1"}}
	eng := NewEngine(nil, failingStore{}, api, nil, nil)
	eng.now = func() time.Time { return testNow }
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "login"))
	_ = eng.HandleUpdate(ctx, text(1, "user@example.com"))
	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "482913")))
	if r.Text != msgSessionSaveFail {
		t.Fatalf("write failures must surface distinctly, got %q", r.Text)
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow must end at idle")
	}
}

func TestSendFlowHappyPathWallet(t *testing.T) {
	api := &mockAPI{}
	eng, store, _ := newTestEngine(api)
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	r := singleReply(t, eng.HandleUpdate(ctx, cmd(1, "send")))
	if len(r.Buttons) != 2 || r.Buttons[0][0].Data != "send_email" || r.Buttons[1][0].Data != "send_wallet" {
		t.Fatalf("recipient kind buttons = %+v", r.Buttons)
	}

	_ = singleReply(t, eng.HandleUpdate(ctx, button(1, "send_wallet", 10)))
	if eng.flow(1).Step != domain.StepSendRecipient {
		t.Fatalf("step = %s", eng.flow(1).Step)
	}

	_ = singleReply(t, eng.HandleUpdate(ctx, text(1, "0xABC")))
	if eng.flow(1).Step != domain.StepSendAmount {
		t.Fatalf("step = %s", eng.flow(1).Step)
	}

	r = singleReply(t, eng.HandleUpdate(ctx, text(1, "10")))
	if eng.flow(1).Step != domain.StepSendConfirm {
		t.Fatalf("step = %s", eng.flow(1).Step)
	}
	if !strings.Contains(r.Text, "10 USDC to 0xABC") {
		t.Fatalf("confirmation = %q", r.Text)
	}

	r = singleReply(t, eng.HandleUpdate(ctx, button(1, "send_confirm", 11)))
	if api.sendCalls != 1 {
		t.Fatalf("sendFunds calls = %d", api.sendCalls)
	}
	if api.lastSendKind != domain.RecipientWallet || api.lastSendTo != "0xABC" || api.lastSendValue != 10 {
		t.Fatalf("sendFunds args = %s %s %v", api.lastSendKind, api.lastSendTo, api.lastSendValue)
	}
	if !strings.Contains(r.Text, "Transfer successful") || r.EditMessageID != 11 {
		t.Fatalf("result reply = %+v", r)
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow state must be cleared after completion")
	}
}

func TestSendAmountValidation(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))

	for _, bad := range []string{"-5", "0", "abc", "NaN", "+Inf"} {
		r := singleReply(t, eng.HandleUpdate(ctx, text(1, bad)))
		if !strings.Contains(r.Text, "Invalid amount") {
			t.Fatalf("input %q: got %q", bad, r.Text)
		}
		if eng.flow(1).Step != domain.StepSendAmount {
			t.Fatalf("input %q must not advance", bad)
		}
	}

	_ = singleReply(t, eng.HandleUpdate(ctx, text(1, "12.5")))
	fl := eng.flow(1)
	if fl.Step != domain.StepSendConfirm || fl.Amount != 12.5 {
		t.Fatalf("flow = %+v", fl)
	}
}

func TestSendEmailRecipientValidation(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_email", 10))

	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "not-an-email")))
	if !strings.Contains(r.Text, "Invalid email") || eng.flow(1).Step != domain.StepSendRecipient {
		t.Fatalf("invalid email recipient must re-prompt: %q", r.Text)
	}

	_ = singleReply(t, eng.HandleUpdate(ctx, text(1, "dest@example.com")))
	if eng.flow(1).Step != domain.StepSendAmount || eng.flow(1).Recipient != "dest@example.com" {
		t.Fatalf("flow = %+v", eng.flow(1))
	}
}

func TestStartingNewFlowDiscardsOldState(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))
	sendFlow := *eng.flow(1)

	_ = eng.HandleUpdate(ctx, cmd(1, "withdraw"))
	fl := eng.flow(1)
	if fl.Step != domain.StepWithdrawAmount {
		t.Fatalf("step = %s", fl.Step)
	}
	if fl.ID == sendFlow.ID {
		t.Fatalf("new flow must have a new identity")
	}
	if fl.Recipient != "" || fl.RecipientKind != "" {
		t.Fatalf("old flow state leaked into the new flow: %+v", fl)
	}
}

func TestSendConfirmRevalidatesSession(t *testing.T) {
	api := &mockAPI{}
	eng, store, _ := newTestEngine(api)
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))
	_ = eng.HandleUpdate(ctx, text(1, "10"))

	// La sesion expira entre el armado del envio y la confirmacion.
	seedSession(t, store, 1, -time.Minute)

	r := singleReply(t, eng.HandleUpdate(ctx, button(1, "send_confirm", 11)))
	if r.Text != msgSessionExpired {
		t.Fatalf("got %q", r.Text)
	}
	if api.sendCalls != 0 {
		t.Fatalf("sendFunds must not run with an expired session")
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow must be discarded on session failure mid-flow")
	}
}

func TestSendConfirmStaleResultDropped(t *testing.T) {
	api := &mockAPI{}
	eng, store, _ := newTestEngine(api)
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))
	_ = eng.HandleUpdate(ctx, text(1, "10"))

	// El flujo se cancela mientras la llamada al gateway esta en vuelo.
	api.sendHook = func() { eng.clearFlow(1) }

	replies := eng.HandleUpdate(ctx, button(1, "send_confirm", 11))
	if replies != nil {
		t.Fatalf("a result for a cancelled flow must not be emitted: %+v", replies)
	}
	if api.sendCalls != 1 {
		t.Fatalf("the in-flight call itself is not cancelled")
	}
}

func TestSendFailureReturnsToIdle(t *testing.T) {
	api := &mockAPI{sendErr: &copperx.HTTPError{Status: 422, Message: "Insufficient balance"}}
	eng, store, _ := newTestEngine(api)
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))
	_ = eng.HandleUpdate(ctx, text(1, "10"))

	r := singleReply(t, eng.HandleUpdate(ctx, button(1, "send_confirm", 11)))
	if !strings.Contains(r.Text, "Insufficient balance") {
		t.Fatalf("remote message must surface: %q", r.Text)
	}
	if eng.flow(1) != nil {
		t.Fatalf("failed transfer must not be retried automatically")
	}
}

func TestSendCancelButton(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, button(1, "send_wallet", 10))
	_ = eng.HandleUpdate(ctx, text(1, "0xABC"))
	_ = eng.HandleUpdate(ctx, text(1, "10"))

	r := singleReply(t, eng.HandleUpdate(ctx, button(1, "send_cancel", 11)))
	if r.Text != msgCancelled || r.EditMessageID != 11 {
		t.Fatalf("cancel reply = %+v", r)
	}
	if eng.flow(1) != nil {
		t.Fatalf("cancel must discard flow state")
	}
}

func TestFreeTextAtButtonStepReprompts(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "wallet please")))
	if !strings.Contains(r.Text, "Choose the recipient type") {
		t.Fatalf("must re-prompt the same step: %q", r.Text)
	}
	if eng.flow(1).Step != domain.StepSendRecipientKind {
		t.Fatalf("step advanced on unexpected input")
	}
}

func TestStaleKindButtonIgnored(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	// Boton de un flujo ya cancelado.
	_ = eng.HandleUpdate(ctx, cmd(1, "send"))
	_ = eng.HandleUpdate(ctx, cmd(1, "cancel"))
	if replies := eng.HandleUpdate(ctx, button(1, "send_wallet", 10)); replies != nil {
		t.Fatalf("stale button must be ignored: %+v", replies)
	}
}

func TestWithdrawFlowHappyPath(t *testing.T) {
	api := &mockAPI{}
	eng, store, _ := newTestEngine(api)
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = singleReply(t, eng.HandleUpdate(ctx, cmd(1, "withdraw")))
	r := singleReply(t, eng.HandleUpdate(ctx, text(1, "50")))
	if eng.flow(1).Step != domain.StepWithdrawConfirm || !strings.Contains(r.Text, "Withdraw 50 USDC") {
		t.Fatalf("confirm step = %+v, reply %q", eng.flow(1), r.Text)
	}

	r = singleReply(t, eng.HandleUpdate(ctx, button(1, "withdraw_confirm", 12)))
	if api.withdrawCalls != 1 || api.lastWithdrawAmount != 50 {
		t.Fatalf("requestWithdrawal args: %+v", api)
	}
	if !strings.Contains(r.Text, "Withdrawal requested") || r.EditMessageID != 12 {
		t.Fatalf("result = %+v", r)
	}
	if eng.flow(1) != nil {
		t.Fatalf("flow must be cleared")
	}
}

func TestWithdrawAmountValidation(t *testing.T) {
	eng, store, _ := newTestEngine(&mockAPI{})
	seedSession(t, store, 1, time.Hour)
	ctx := context.Background()

	_ = eng.HandleUpdate(ctx, cmd(1, "withdraw"))
	for _, bad := range []string{"-5", "0", "abc"} {
		r := singleReply(t, eng.HandleUpdate(ctx, text(1, bad)))
		if !strings.Contains(r.Text, "Invalid amount") || eng.flow(1).Step != domain.StepWithdrawAmount {
			t.Fatalf("input %q must re-prompt, got %q", bad, r.Text)
		}
	}
}
