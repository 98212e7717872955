package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Authenticator signs outgoing REST requests.
type Authenticator interface {
	// Sign stamps params and returns the encoded query with the signature
	// appended as the last parameter.
	Sign(params url.Values) string
	AddAuthHeaders(req *http.Request)
}

// HMACAuthenticator implements Binance's SIGNED endpoint security: an
// HMAC-SHA256 of the url-encoded query keyed by the API secret.
type HMACAuthenticator struct {
	apiKey     string
	apiSecret  string
	recvWindow time.Duration
	now        func() time.Time
}

func NewHMACAuthenticator(apiKey, apiSecret string, recvWindow time.Duration) *HMACAuthenticator {
	return &HMACAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

func (h *HMACAuthenticator) Sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(h.now().UnixMilli(), 10))
	if h.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(h.recvWindow.Milliseconds(), 10))
	}
	payload := params.Encode()
	return payload + "&signature=" + computeHMAC(payload, h.apiSecret)
}

func (h *HMACAuthenticator) AddAuthHeaders(req *http.Request) {
	req.Header.Set("X-MBX-APIKEY", h.apiKey)
}

func computeHMAC(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
