package domain

// UpdateKind clasifica la accion entrante del usuario.
type UpdateKind string

const (
	UpdateCommand UpdateKind = "command"
	UpdateText    UpdateKind = "text"
	UpdateButton  UpdateKind = "button"
)

// Update es una accion entrante normalizada, independiente del transporte.
type Update struct {
	Kind      UpdateKind
	ChatID    int64
	MessageID int
	Command   string
	Args      []string
	Text      string
	Button    string
}

// Button es un boton inline con etiqueta visible y dato de callback.
type Button struct {
	Label string
	Data  string
}

// Reply es un mensaje saliente. Si EditMessageID > 0 reemplaza un mensaje
// previamente enviado en lugar de crear uno nuevo.
type Reply struct {
	ChatID        int64
	Text          string
	Buttons       [][]Button
	EditMessageID int
}

// DepositEvent es un evento de deposito recibido por el canal de la
// organizacion. Network vacio se normaliza a "Unknown".
type DepositEvent struct {
	OrganizationID string
	Amount         float64
	Network        string
}
