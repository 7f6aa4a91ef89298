package copperx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"copperx-bot/internal/domain"
)

// Profile son los datos de cuenta expuestos por /auth/me.
type Profile struct {
	Email             string `json:"email"`
	OrganizationID    string `json:"organizationId"`
	WalletAddress     string `json:"walletAddress"`
	WalletAccountType string `json:"walletAccountType"`
}

// Balance es el saldo de un wallet en una red.
type Balance struct {
	Amount  float64 `json:"amount"`
	Network string  `json:"network"`
}

// Wallet es un wallet disponible para seleccionar como default.
type Wallet struct {
	ID      string `json:"id"`
	Network string `json:"network"`
}

// Transfer es una transaccion del historial.
type Transfer struct {
	Amount    float64 `json:"amount"`
	Type      string  `json:"type"`
	CreatedAt string  `json:"createdAt"`
}

// Client habla con la API de Copperx Payout. Las llamadas pre-auth de OTP
// usan el token fijo de plataforma; el resto usa el bearer de la sesion.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient construye un cliente apuntando a la API de pagos.
func NewClient(baseURL, apiToken string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://income-api.copperx.io/api"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// RequestOTP pide un OTP por email y devuelve el sid de la sesion OTP.
func (c *Client) RequestOTP(ctx context.Context, email string) (string, error) {
	var out struct {
		Sid string `json:"sid"`
	}
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "/auth/email-otp/request", c.apiToken, body, &out); err != nil {
		return "", err
	}
	if out.Sid == "" {
		return "", &DecodeError{Err: errors.New("otp request response missing sid")}
	}
	return out.Sid, nil
}

// VerifyOTP autentica el OTP y devuelve el access token de la sesion.
func (c *Client) VerifyOTP(ctx context.Context, email, otp, sid string) (string, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	body := map[string]string{"email": email, "otp": otp, "sid": sid}
	if err := c.do(ctx, http.MethodPost, "/auth/email-otp/authenticate", c.apiToken, body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &DecodeError{Err: errors.New("authenticate response missing accessToken")}
	}
	return out.AccessToken, nil
}

func (c *Client) FetchProfile(ctx context.Context, token string) (Profile, error) {
	var out Profile
	err := c.do(ctx, http.MethodGet, "/auth/me", token, nil, &out)
	return out, err
}

// FetchKycStatus devuelve true si el primer registro KYC esta aprobado.
func (c *Client) FetchKycStatus(ctx context.Context, token string) (bool, error) {
	var out []struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/kycs", token, nil, &out); err != nil {
		return false, err
	}
	return len(out) > 0 && out[0].Status == "approved", nil
}

func (c *Client) FetchBalances(ctx context.Context, token string) ([]Balance, error) {
	var out []Balance
	err := c.do(ctx, http.MethodGet, "/wallets/balances", token, nil, &out)
	return out, err
}

func (c *Client) ListWallets(ctx context.Context, token string) ([]Wallet, error) {
	var out []Wallet
	err := c.do(ctx, http.MethodGet, "/wallets", token, nil, &out)
	return out, err
}

func (c *Client) SetDefaultWallet(ctx context.Context, token, walletID string) error {
	body := map[string]string{"walletId": walletID}
	return c.do(ctx, http.MethodPut, "/wallets/default", token, body, nil)
}

func (c *Client) ListTransfers(ctx context.Context, token string, page, limit int) ([]Transfer, error) {
	var out []Transfer
	path := fmt.Sprintf("/transfers?page=%d&limit=%d", page, limit)
	err := c.do(ctx, http.MethodGet, path, token, nil, &out)
	return out, err
}

// SendFunds envia USDC. Los destinatarios por email y por direccion de
// wallet usan endpoints y cuerpos distintos en la plataforma.
func (c *Client) SendFunds(ctx context.Context, token string, kind domain.RecipientKind, recipient string, amount float64) error {
	var path string
	var body map[string]any
	if kind == domain.RecipientEmail {
		path = "/transfers/send"
		body = map[string]any{"amount": amount, "to": recipient}
	} else {
		path = "/transfers/wallet-withdraw"
		body = map[string]any{"amount": amount, "address": recipient}
	}
	return c.do(ctx, http.MethodPost, path, token, body, nil)
}

// RequestWithdrawal solicita un retiro a banco (offramp).
func (c *Client) RequestWithdrawal(ctx context.Context, token string, amount float64) error {
	body := map[string]any{"amount": amount}
	return c.do(ctx, http.MethodPost, "/transfers/offramp", token, body, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: err}
	}

	if resp.StatusCode >= 400 {
		if c.logger != nil {
			c.logger.Warn("copperx api error",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
		}
		return &HTTPError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// errorMessage extrae el campo message del cuerpo de error. Un cuerpo
// ausente o malformado no es fatal: se degrada a un texto generico.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		return "Unknown error"
	}
	return parsed.Message
}
