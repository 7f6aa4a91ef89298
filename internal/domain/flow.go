package domain

// FlowKind identifica el dialogo multi-paso en curso para un usuario.
type FlowKind string

const (
	FlowLogin    FlowKind = "login"
	FlowSend     FlowKind = "send"
	FlowWithdraw FlowKind = "withdraw"
)

// Step es el paso actual dentro de un flujo. StepIdle significa sin flujo.
type Step string

const (
	StepIdle Step = "idle"

	StepLoginEmail Step = "login_email"
	StepLoginOTP   Step = "login_otp"

	StepSendRecipientKind Step = "send_recipient_kind"
	StepSendRecipient     Step = "send_recipient"
	StepSendAmount        Step = "send_amount"
	StepSendConfirm       Step = "send_confirm"

	StepWithdrawAmount  Step = "withdraw_amount"
	StepWithdrawConfirm Step = "withdraw_confirm"
)

// Kind devuelve el flujo al que pertenece el paso.
func (s Step) Kind() FlowKind {
	switch s {
	case StepLoginEmail, StepLoginOTP:
		return FlowLogin
	case StepSendRecipientKind, StepSendRecipient, StepSendAmount, StepSendConfirm:
		return FlowSend
	case StepWithdrawAmount, StepWithdrawConfirm:
		return FlowWithdraw
	}
	return ""
}

// RecipientKind distingue destinatarios por email o por direccion de wallet.
type RecipientKind string

const (
	RecipientEmail  RecipientKind = "email"
	RecipientWallet RecipientKind = "wallet"
)

// FlowState es el estado transitorio de un dialogo en curso. Vive solo en
// memoria y se descarta al completar, cancelar o fallar el flujo.
type FlowState struct {
	ID            string
	Step          Step
	Email         string
	OTPSessionID  string
	RecipientKind RecipientKind
	Recipient     string
	Amount        float64
}
