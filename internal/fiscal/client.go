package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/fiscal-receipts/internal"
	"github.com/frahmantamala/fiscal-receipts/internal/tokencache"
)

// sell error codes the processor may clear on its own; worth retrying.
var sellRecoverableCodes = map[int]bool{1: true, 4: true, 5: true, 6: true}

// sell error code meaning the external_id is already registered.
const sellDuplicateCode = 10

// report error codes for "not yet processed"; poll again later.
var reportRecoverableCodes = map[int]bool{7: true, 9: true, 12: true, 13: true, 14: true, 16: true}

// report error code meaning the submission will never complete and must be
// resubmitted under a fresh external_id.
const reportNotProcessedCode = 1

// errAuthExpired marks a 401 inside a single request attempt. Never escapes
// the client: the first one triggers a forced renew, the second becomes an
// AuthFault.
var errAuthExpired = errors.New("auth token expired")

// clientError carries a parsed error envelope up to sell/report for
// classification against the code tables.
type clientError struct {
	envelope internal.ErrorEnvelope
	body     json.RawMessage
}

func (e *clientError) Error() string {
	return fmt.Sprintf("processor error code %d: %s", e.envelope.Code, e.envelope.Text)
}

// Client issues authenticated sell and report calls and normalizes every
// failure into the fault taxonomy. One Client per fiscal account.
type Client struct {
	cfg        internal.ProcessorConfig
	httpClient *http.Client
	tokens     *tokencache.TokenCache
	logger     *slog.Logger
}

func NewClient(cfg internal.ProcessorConfig, store tokencache.Store, logger *slog.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
	c.tokens = tokencache.New(store, c.obtainToken, cfg.Login, logger)
	return c
}

// TokenCache exposes the cache for wiring and tests.
func (c *Client) TokenCache() *tokencache.TokenCache {
	return c.tokens
}

// obtainToken is the login exchange behind the token cache. Any failure,
// transport or credential, is an AuthFault; escalation is the caller's job.
func (c *Client) obtainToken(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "getToken", "", tokenRequest{
		Login: c.cfg.Login,
		Pass:  c.cfg.Password,
	})
	if err != nil {
		return "", internal.NewAuthFault("login exchange failed", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", internal.NewAuthFault("unparsable getToken response", err)
	}
	// codes other than 0 (new token) and 1 (existing token) are failures
	if resp.Code == nil || (*resp.Code != 0 && *resp.Code != 1) || resp.Token == "" {
		return "", internal.NewAuthFault(fmt.Sprintf("processor rejected credentials: %s", resp.Text), nil)
	}

	c.logger.Info("login exchange succeeded", "login", c.cfg.Login)
	return resp.Token, nil
}

// Sell registers a receipt under req.ExternalID. A duplicate submission is
// absorbed as success with the processor-reported uuid.
func (c *Client) Sell(ctx context.Context, req *SellRequest) (*NewReceipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// the processor gets exactly one contact attribute; email wins when
	// both are known
	attrs := attributesPayload{Email: req.UserEmail}
	if req.UserEmail == "" {
		attrs.Phone = req.UserPhone
	}

	price := wireAmount(req.PurchasePrice)
	payload := sellPayload{
		ExternalID: req.ExternalID,
		Timestamp:  req.Timestamp.Format(processorTimeFormat),
		Receipt: receiptPayload{
			Attributes: attrs,
			Items: []itemPayload{{
				Name:     req.PurchaseName,
				Price:    price,
				Quantity: 1,
				Sum:      price,
				Tax:      c.cfg.TaxName,
			}},
			Payments: []paymentPayload{{
				Sum:  price,
				Type: 1,
			}},
			Total: price,
		},
		Service: servicePayload{
			INN:            c.cfg.INN,
			CallbackURL:    c.cfg.CallbackURL,
			PaymentAddress: c.cfg.PaymentAddress,
		},
	}

	body, err := c.request(ctx, http.MethodPost, "sell", payload)
	if err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			code := ce.envelope.Code
			switch {
			case sellRecoverableCodes[code]:
				c.logger.Info("sell failed with recoverable code",
					"external_id", req.ExternalID, "code", code)
				return nil, internal.NewDomainFault(internal.ClassRecoverable, "sell rejected, retryable", &ce.envelope)
			case code == sellDuplicateCode:
				// already registered under this external_id; the error body
				// carries the remote uuid of the original submission
				var dup envelopeResponse
				if jsonErr := json.Unmarshal(ce.body, &dup); jsonErr != nil || dup.UUID == "" {
					return nil, internal.NewProtocolFault("duplicate sell response without uuid", jsonErr)
				}
				c.logger.Info("sell already accepted by processor",
					"external_id", req.ExternalID, "uuid", dup.UUID)
				return &NewReceipt{UUID: dup.UUID, Data: ce.body}, nil
			default:
				c.logger.Error("sell failed with unrecoverable code",
					"external_id", req.ExternalID, "code", code, "text", ce.envelope.Text)
				return nil, internal.NewDomainFault(internal.ClassUnrecoverable, "sell rejected", &ce.envelope)
			}
		}
		return nil, err
	}

	var resp envelopeResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.UUID == "" {
		return nil, internal.NewProtocolFault("sell response without uuid", err)
	}

	c.logger.Info("sell accepted", "external_id", req.ExternalID, "uuid", resp.UUID)
	return &NewReceipt{UUID: resp.UUID, Data: body}, nil
}

// Report fetches the fiscal report for a previously registered receipt. The
// receipt may not be processed yet; that surfaces as a recoverable fault and
// the caller polls again later.
func (c *Client) Report(ctx context.Context, remoteUUID string) (*ReceiptReport, error) {
	endpoint := fmt.Sprintf("report/%s", remoteUUID)

	body, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			code := ce.envelope.Code
			switch {
			case reportRecoverableCodes[code]:
				c.logger.Info("report not ready", "uuid", remoteUUID, "code", code)
				return nil, internal.NewDomainFault(internal.ClassRecoverable, "report not ready", &ce.envelope)
			case code == reportNotProcessedCode:
				c.logger.Warn("processor could not process submission, resubmission required",
					"uuid", remoteUUID, "text", ce.envelope.Text)
				return nil, internal.NewDomainFault(internal.ClassNotProcessed, "submission not processed", &ce.envelope)
			default:
				c.logger.Error("report failed with unrecoverable code",
					"uuid", remoteUUID, "code", code, "text", ce.envelope.Text)
				return nil, internal.NewDomainFault(internal.ClassUnrecoverable, "report rejected", &ce.envelope)
			}
		}
		return nil, err
	}

	return &ReceiptReport{UUID: remoteUUID, Data: body}, nil
}

// request attaches the cached token and the group prefix, and performs the
// one-shot renew-and-retry on 401. A second 401 is an AuthFault: the
// credential pair is not assumed permanently broken.
func (c *Client) request(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	endpoint = fmt.Sprintf("%s/%s", c.cfg.GroupCode, endpoint)

	body, err := c.doRequest(ctx, method, endpoint, token, payload)
	if !errors.Is(err, errAuthExpired) {
		return body, err
	}

	c.logger.Info("token rejected, renewing once", "endpoint", endpoint)
	token, err = c.tokens.ForceRenew(ctx)
	if err != nil {
		return nil, err
	}

	body, err = c.doRequest(ctx, method, endpoint, token, payload)
	if errors.Is(err, errAuthExpired) {
		return nil, internal.NewAuthFault("request rejected twice with 401", nil)
	}
	return body, err
}

// doRequest performs one HTTP exchange and normalizes the outcome: transport
// failures, unexpected statuses and unparsable bodies become faults, a
// logical error envelope becomes a clientError, 401 becomes errAuthExpired.
func (c *Client) doRequest(ctx context.Context, method, endpoint, token string, payload any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), endpoint)

	var reqBody *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		switch c.cfg.AuthMode {
		case internal.AuthModeHeader:
			req.Header.Set("Token", token)
		default:
			q := req.URL.Query()
			q.Set("tokenid", token)
			req.URL.RawQuery = q.Encode()
		}
	}

	c.logger.Debug("processor request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("processor request failed", "method", method, "url", url, "error", err)
		return nil, internal.NewTransportFault("request failed", err)
	}
	defer resp.Body.Close()

	// statuses outside the recognized set are unexpected server behavior
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusBadRequest:
	case http.StatusUnauthorized:
		return nil, errAuthExpired
	default:
		c.logger.Warn("processor returned unexpected status",
			"method", method, "url", url, "status", resp.StatusCode)
		return nil, internal.NewProtocolFault(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		c.logger.Warn("unparsable processor response", "url", url, "error", err)
		return nil, internal.NewProtocolFault("unparsable response body", err)
	}

	var env envelopeResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, internal.NewProtocolFault("unparsable response envelope", err)
	}
	if env.Error != nil && (env.Error.Code != 0 || env.Error.Text != "") {
		c.logger.Warn("processor returned error envelope",
			"url", url, "code", env.Error.Code, "text", env.Error.Text)
		return nil, &clientError{envelope: *env.Error, body: raw}
	}

	return raw, nil
}
