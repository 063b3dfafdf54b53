// Package vehicle implements engine.VehicleSource against a
// Carwings-shaped manufacturer telematics API: a Blowfish-encrypted
// credential exchange followed by form-encoded POST polling for battery
// status, in the same Session.Connect/Session.BatteryStatus style as
// carwings.Session. Each configured vehicle gets its own authenticated
// Session; Vehicles polls all of them and tolerates individual failures
// so one car's API outage doesn't blank out the whole fleet.
package vehicle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/blowfish"

	"github.com/vantage-energy/ems-core/engine"
)

const initialAppStr = "9s5rfKVuMrT03RtzajWNcA"

// Account identifies one vehicle's manufacturer-API credentials plus the
// charging target used to derive VehicleState.TargetSOCPct.
type Account struct {
	Name         string
	BaseURL      string
	Username     string
	Password     string
	CapacityKWh  float64
	TargetSOCPct float64
}

// Source is an engine.VehicleSource polling one or more manufacturer API
// sessions.
type Source struct {
	httpClient *http.Client
	sessions   []*session
}

type session struct {
	account Account
	encpw   string
	baseprm string
}

// NewSource builds a VehicleSource for the given accounts. Credential
// exchange happens lazily on first poll so a single misconfigured
// account doesn't prevent startup.
func NewSource(accounts []Account) *Source {
	sessions := make([]*session, len(accounts))
	for i, a := range accounts {
		sessions[i] = &session{account: a}
	}
	return &Source{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		sessions:   sessions,
	}
}

// Vehicles satisfies engine.VehicleSource: polls every configured
// account and returns whichever succeed, logging nothing itself (the
// engine's own logger records per-cycle failures).
func (s *Source) Vehicles(ctx context.Context) ([]engine.VehicleState, error) {
	var out []engine.VehicleState
	var lastErr error
	for _, sess := range s.sessions {
		vs, err := s.poll(ctx, sess)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, vs)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

type baseResponse struct {
	Status int `json:"status"`
}

func (s *Source) poll(ctx context.Context, sess *session) (engine.VehicleState, error) {
	if sess.encpw == "" {
		if err := s.authenticate(ctx, sess); err != nil {
			return engine.VehicleState{}, fmt.Errorf("vehicle %s: authenticate: %w", sess.account.Name, err)
		}
	}

	var resp struct {
		baseResponse
		BatteryStatus struct {
			SOC struct {
				Value int `json:"Value,string"`
			} `json:"SOC"`
			PluginState    string `json:"PluginState"`
			ChargingStatus string `json:"ChargingStatus"`
		} `json:"BatteryStatusRecords"`
	}

	params := url.Values{}
	params.Set("custom_sessionid", sess.account.Username)

	if err := s.post(ctx, sess.account.BaseURL, "BatteryStatusRecordsRequest.php", params, &resp); err != nil {
		return engine.VehicleState{}, err
	}

	connected := resp.BatteryStatus.PluginState != "" && resp.BatteryStatus.PluginState != "NOT_CONNECTED"
	alreadyCharging := resp.BatteryStatus.ChargingStatus == "NORMAL_CHARGING" || resp.BatteryStatus.ChargingStatus == "RAPIDLY_CHARGING"

	return engine.VehicleState{
		Name:            sess.account.Name,
		Connected:       connected,
		SOCPct:          float64(resp.BatteryStatus.SOC.Value),
		TargetSOCPct:    sess.account.TargetSOCPct,
		CapacityKWh:     sess.account.CapacityKWh,
		AlreadyCharging: alreadyCharging,
	}, nil
}

func (s *Source) authenticate(ctx context.Context, sess *session) error {
	params := url.Values{}
	params.Set("initial_app_str", initialAppStr)

	var initResp struct {
		baseResponse
		Baseprm string `json:"baseprm"`
	}
	if err := s.post(ctx, sess.account.BaseURL, "InitialApp_v2.php", params, &initResp); err != nil {
		return err
	}

	encpw, err := encryptPassword(sess.account.Password, initResp.Baseprm)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	sess.encpw = encpw
	sess.baseprm = initResp.Baseprm

	loginParams := url.Values{}
	loginParams.Set("initial_app_str", initialAppStr)
	loginParams.Set("UserId", sess.account.Username)
	loginParams.Set("Password", encpw)

	var loginResp baseResponse
	return s.post(ctx, sess.account.BaseURL, "UserLoginRequest.php", loginParams, &loginResp)
}

func (s *Source) post(ctx context.Context, baseURL, endpoint string, params url.Values, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(target)
}

// encryptPassword pads and ECB-Blowfish-encrypts password under key,
// matching the manufacturer API's credential exchange.
func encryptPassword(password, key string) (string, error) {
	cipher, err := blowfish.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}

	src := pkcs5Pad([]byte(password), cipher.BlockSize())
	dst := make([]byte, len(src))
	for pos := 0; pos < len(src); pos += cipher.BlockSize() {
		cipher.Encrypt(dst[pos:], src[pos:])
	}
	return base64.StdEncoding.EncodeToString(dst), nil
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}
