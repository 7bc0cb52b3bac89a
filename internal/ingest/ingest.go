// Package ingest absorbs LNS uplinks without data loss, duplication, or
// cross-tenant contamination, falling back to a disk spool when durable
// storage is degraded (spec.md §4.2).
package ingest

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lorapark/control-plane/infrastructure/errors"
	hexutil "github.com/lorapark/control-plane/infrastructure/hex"
	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/ingest/spool"
	"github.com/lorapark/control-plane/internal/ratelimit"
	"github.com/lorapark/control-plane/internal/store"
	"github.com/lorapark/control-plane/internal/translate"
)

// Webhook header names carrying the HMAC fields verified by
// WebhookAuthenticator. internal/app/httpapi reads them off the incoming
// request; DrainSpool reconstructs them from a spooled envelope's captured
// headers to replay the same verification on retry.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderNonce     = "X-Webhook-Nonce"
)

// Outcome is the terminal result category of one ingest call (spec.md §4.2
// "Result: one of accepted, duplicate, orphan, spooled, rejected").
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Orphan    Outcome = "orphan"
	Spooled   Outcome = "spooled"
)

// Result is returned on success; rejection paths return an error instead
// (see failure taxonomy in spec.md §4.2).
type Result struct {
	Outcome Outcome
	SpoolID string
}

// RawRequest is the raw material handed to Ingest: HTTP body, headers, and
// source IP, before any parsing or validation.
type RawRequest struct {
	TenantHint   string // from a path parameter or header
	SignatureHex string
	TimestampRaw string
	Timestamp    time.Time
	Nonce        string
	Body         []byte
	SourceIP     string
	Headers      map[string]string
}

// ReevaluateFunc triggers a state-machine re-evaluation for a space; wired
// by the caller to avoid importing internal/statemachine directly.
type ReevaluateFunc func(ctx context.Context, tenantID, spaceID string)

// Service runs the full ingest pipeline.
type Service struct {
	tenants    *store.TenantStore
	devices    *store.DeviceStore
	readings   *store.ReadingStore
	orphans    *store.OrphanStore
	translate  *translate.Registry
	auth       *WebhookAuthenticator
	limiter    *ratelimit.Limiter
	spool      *spool.Spooler
	reevaluate ReevaluateFunc
	logger     *logging.Logger

	orphanRatePerMinute int
	storeTimeout        time.Duration
}

func NewService(
	tenants *store.TenantStore,
	devices *store.DeviceStore,
	readings *store.ReadingStore,
	orphans *store.OrphanStore,
	translateRegistry *translate.Registry,
	authn *WebhookAuthenticator,
	limiter *ratelimit.Limiter,
	spooler *spool.Spooler,
	reevaluate ReevaluateFunc,
	logger *logging.Logger,
) *Service {
	return &Service{
		tenants: tenants, devices: devices, readings: readings, orphans: orphans,
		translate: translateRegistry, auth: authn, limiter: limiter, spool: spooler,
		reevaluate: reevaluate, logger: logger,
		orphanRatePerMinute: 10,
		storeTimeout:        3 * time.Second,
	}
}

// parsedUplink is the normalized shape of an uplink payload, independent of
// the LNS vendor's wire format.
type parsedUplink struct {
	DeviceEUI  string
	DeviceType string
	FCnt       int64
	Port       int
	Payload    []byte
	RSSI       *float32
	SNR        *float32
	GatewayEUI string
}

// parse extracts the normalized uplink fields from the raw JSON body
// (spec.md §4.2 step 2). Unparseable payloads return an error.
func parse(body []byte) (parsedUplink, error) {
	eui := gjson.GetBytes(body, "dev_eui")
	fcnt := gjson.GetBytes(body, "f_cnt")
	port := gjson.GetBytes(body, "f_port")
	data := gjson.GetBytes(body, "data")
	if !eui.Exists() || !fcnt.Exists() || !port.Exists() || !data.Exists() {
		return parsedUplink{}, errors.MalformedPayload("missing dev_eui, f_cnt, f_port, or data")
	}

	payload, err := decodeBase64(data.String())
	if err != nil {
		return parsedUplink{}, errors.MalformedPayload("data is not valid base64")
	}

	out := parsedUplink{
		// Vendors disagree on "0x"-prefixed vs. bare hex EUIs; normalize to
		// the stored canonical form (upper, no prefix) before any lookup.
		DeviceEUI:  strings.ToUpper(hexutil.TrimPrefix(eui.String())),
		DeviceType: gjson.GetBytes(body, "device_type").String(),
		FCnt:       fcnt.Int(),
		Port:       int(port.Int()),
		Payload:    payload,
		GatewayEUI: strings.ToUpper(hexutil.TrimPrefix(gjson.GetBytes(body, "gateway_eui").String())),
	}
	if r := gjson.GetBytes(body, "rssi"); r.Exists() {
		v := float32(r.Float())
		out.RSSI = &v
	}
	if s := gjson.GetBytes(body, "snr"); s.Exists() {
		v := float32(s.Float())
		out.SNR = &v
	}
	return out, nil
}

// Ingest runs the full algorithm of spec.md §4.2. On a transient storage
// fault it spools the raw request rather than rejecting it.
func (s *Service) Ingest(ctx context.Context, req RawRequest) (Result, error) {
	return s.process(ctx, req, true)
}

// replay re-runs the pipeline for a request recovered from the disk spool.
// Unlike Ingest, a storage fault here returns an error instead of spooling
// again, so internal/scheduler's drain job can apply the spool's own
// backoff/dead-letter bookkeeping rather than growing the spool unbounded
// during a sustained outage.
func (s *Service) replay(ctx context.Context, req RawRequest) (Result, error) {
	return s.process(ctx, req, false)
}

func (s *Service) process(ctx context.Context, req RawRequest, allowSpool bool) (Result, error) {
	tenant, err := s.resolveTenant(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if tenant != nil {
		if err := s.auth.Verify(ctx, tenant, req.TimestampRaw, req.Nonce, req.SignatureHex, req.Body, req.Timestamp); err != nil {
			return Result{}, err
		}
	}

	uplink, err := parse(req.Body)
	if err != nil {
		return Result{}, err
	}

	device, err := s.devices.ByEUI(ctx, uplink.DeviceEUI)
	if err != nil {
		return s.handleOrphan(ctx, req, uplink, allowSpool)
	}

	if tenant == nil {
		tenant, err = s.tenants.ByID(ctx, device.TenantID)
		if err != nil {
			return Result{}, err
		}
		if err := s.auth.Verify(ctx, tenant, req.TimestampRaw, req.Nonce, req.SignatureHex, req.Body, req.Timestamp); err != nil {
			return Result{}, err
		}
	}

	signal, _ := s.translate.Decode(uplink.DeviceType, uplink.Port, uplink.Payload)

	reading := &domain.SensorReading{
		TenantID: device.TenantID, DeviceEUI: device.EUI, FCnt: uplink.FCnt,
		Occupancy: domain.Occupancy(signal.Occupancy), RSSI: uplink.RSSI, SNR: uplink.SNR,
		ReceivedAt: time.Now(),
	}
	if signal.Battery != nil {
		b := float32(*signal.Battery)
		reading.Battery = &b
	}

	insertCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	err = s.readings.Insert(insertCtx, reading)
	cancel()

	if err == store.ErrDuplicate {
		return Result{Outcome: Duplicate}, nil
	}
	if err != nil {
		if !allowSpool {
			return Result{}, err
		}
		return s.spoolRequest(ctx, req, err)
	}

	if device.AssignedSpaceID != nil {
		s.reevaluate(ctx, device.TenantID, *device.AssignedSpaceID)
	}

	return Result{Outcome: Accepted}, nil
}

// handleOrphan implements spec.md §4.2 step 6: the sensor EUI is not
// registered to any tenant, so the uplink is tracked for operator review
// under a per-source rate limit against EUI enumeration.
func (s *Service) handleOrphan(ctx context.Context, req RawRequest, uplink parsedUplink, allowSpool bool) (Result, error) {
	allowed, retryAfter, err := s.limiter.AllowIP(ctx, req.SourceIP, s.orphanRatePerMinute, s.orphanRatePerMinute, time.Minute)
	if err != nil {
		s.logger.Warn(ctx, "orphan rate limit check failed, allowing", map[string]interface{}{"error": err.Error()})
	} else if !allowed {
		return Result{}, errors.RateLimitExceeded(s.orphanRatePerMinute, "1m").
			WithDetails("retry_after_seconds", int(retryAfter.Seconds()))
	}

	advanced, err := s.orphans.UpsertIfNewer(ctx, uplink.DeviceEUI, uplink.FCnt, uplink.Payload, uplink.RSSI, uplink.SNR, time.Now())
	if err != nil {
		if !allowSpool {
			return Result{}, err
		}
		return s.spoolRequest(ctx, req, err)
	}
	if !advanced {
		return Result{Outcome: Duplicate}, nil
	}
	if uplink.DeviceType == "" {
		s.logger.Warn(ctx, "orphan uplink with unknown device type", map[string]interface{}{"eui": uplink.DeviceEUI})
	}
	return Result{Outcome: Orphan}, nil
}

// spoolRequest persists the full envelope to disk on a durable-storage
// fault (spec.md §4.2 step 7) rather than failing the request.
func (s *Service) spoolRequest(ctx context.Context, req RawRequest, cause error) (Result, error) {
	s.logger.Warn(ctx, "spooling ingest request after store error", map[string]interface{}{"error": cause.Error()})
	id, err := s.spool.Enqueue(spool.Envelope{
		Headers:    req.Headers,
		Body:       req.Body,
		SourceIP:   req.SourceIP,
		TenantHint: req.TenantHint,
	})
	if err != nil {
		return Result{}, errors.Unavailable("ingest store and spool both unavailable", err)
	}
	return Result{Outcome: Spooled, SpoolID: id}, nil
}

// resolveTenant looks up the tenant named by the request's path/header hint,
// if any. A nil, nil return means the tenant must be discovered from the
// device EUI instead (spec.md §4.2 step 3).
func (s *Service) resolveTenant(ctx context.Context, req RawRequest) (*domain.Tenant, error) {
	if req.TenantHint == "" {
		return nil, nil
	}
	tenant, err := s.tenants.BySlug(ctx, req.TenantHint)
	if err != nil {
		return nil, errors.NotFound("tenant", req.TenantHint)
	}
	return tenant, nil
}

// decodeBase64 tries standard then raw-URL encoding, since LNS vendors are
// inconsistent about padding.
func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// DrainSpool replays up to limit due spooled envelopes through the pipeline,
// implementing the spool-drain job of spec.md §4.9. A successfully processed
// (or permanently rejected, non-storage) envelope is acknowledged; a storage
// fault reschedules it under the spool's own backoff, dead-lettering it past
// spool.MaxAttempts.
func (s *Service) DrainSpool(ctx context.Context, limit int) (processed int, err error) {
	due, err := s.spool.Due(time.Now(), limit)
	if err != nil {
		return 0, err
	}
	for _, env := range due {
		req := rawRequestFromEnvelope(env)
		_, ingestErr := s.replay(ctx, req)
		if ingestErr != nil && isStorageFault(ingestErr) {
			if err := s.spool.Retry(env); err != nil {
				s.logger.Warn(ctx, "evaluate: reschedule spooled envelope failed", map[string]interface{}{"error": err.Error(), "spool_id": env.ID})
			}
			continue
		}
		if ingestErr != nil {
			s.logger.Warn(ctx, "spooled envelope permanently rejected", map[string]interface{}{"error": ingestErr.Error(), "spool_id": env.ID})
		}
		if err := s.spool.Ack(env.ID); err != nil {
			s.logger.Warn(ctx, "ack spooled envelope failed", map[string]interface{}{"error": err.Error(), "spool_id": env.ID})
		}
		processed++
	}
	return processed, nil
}

func rawRequestFromEnvelope(env spool.Envelope) RawRequest {
	timestamp := time.Time{}
	raw := env.Headers[HeaderTimestamp]
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		timestamp = time.Unix(unix, 0)
	}
	return RawRequest{
		TenantHint:   env.TenantHint,
		SignatureHex: env.Headers[HeaderSignature],
		TimestampRaw: raw,
		Timestamp:    timestamp,
		Nonce:        env.Headers[HeaderNonce],
		Body:         env.Body,
		SourceIP:     env.SourceIP,
		Headers:      env.Headers,
	}
}

// isStorageFault distinguishes a transient backing-store failure (retry via
// the spool, per spec.md §4.2 step 7) from a permanent rejection the
// pipeline itself produced (malformed payload, auth failure, rate limit):
// the former arrive as errors.DatabaseError/errors.Unavailable or as a plain
// (non-ServiceError) error, and all three count as storage faults.
func isStorageFault(err error) bool {
	svcErr, ok := err.(*errors.ServiceError)
	if !ok {
		return true
	}
	return svcErr.Code == errors.ErrCodeDatabaseError || svcErr.Code == errors.ErrCodeUnavailable
}
