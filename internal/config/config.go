// Package config loads the CHAPPS INI configuration file and exposes
// typed, read-only sections to the rest of the service. Reload on SIGHUP
// is done by callers loading a fresh *Config and rebuilding from it;
// this package itself only knows how to parse a file into a fresh value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	defaultConfigPath = "/etc/chapps/chapps.ini"
	configPathEnv     = "CHAPPS_CONFIG"
	dbModuleEnv       = "CHAPPS_DB_MODULE"
)

// Config is the fully parsed, typed view of a CHAPPS INI file.
type Config struct {
	CHAPPS                 CHAPPSSection
	Redis                  RedisSection
	PolicyConfigAdapter    PolicyConfigAdapterSection
	OutboundQuotaPolicy    OutboundQuotaPolicySection
	GreylistingPolicy      GreylistingPolicySection
	SenderDomainAuthPolicy SenderDomainAuthPolicySection
	SPFEnforcementPolicy   SPFEnforcementPolicySection
	PostfixSPFActions      map[string]string

	// Path is the file this Config was loaded from, kept for SIGHUP reload.
	Path string
}

// CHAPPSSection holds the service-wide [CHAPPS] keys.
type CHAPPSSection struct {
	PayloadEncoding   string
	UserKey           []string // candidate attribute names, in priority order
	RequireUserKey    bool
	NoUserKeyResponse string
	// Pipeline selects which policy or composed pipeline this process runs:
	// "oqp", "sda", "grl", "spf", "outbound" (SDA->OQP) or "inbound" (SPF->GRL).
	Pipeline string
	// MaxRequestBytes caps the size of a single Postfix request (default 64KiB).
	MaxRequestBytes int
	// FallbackAction is written when any unrecoverable per-request error occurs.
	FallbackAction string
	// RequestBudget bounds total per-request processing time.
	RequestBudget time.Duration
	// WorkerPoolSize bounds concurrent connection handling; 0 selects
	// max(4, 2*NumCPU).
	WorkerPoolSize int
}

// RedisSection holds [Redis].
type RedisSection struct {
	Server          string
	Port            int
	DB              int
	Password        string
	SentinelServers []string
	SentinelDataset string
	DialTimeout     time.Duration
	OpTimeout       time.Duration
}

// PolicyConfigAdapterSection holds [PolicyConfigAdapter].
type PolicyConfigAdapterSection struct {
	Module string // overridden by CHAPPS_DB_MODULE
	DBHost string
	DBPort int
	DBName string
	DBUser string
	DBPass string
}

// policySectionCommon holds keys shared by every per-policy section.
type policySectionCommon struct {
	ListenAddress     string
	ListenPort        int
	AcceptanceMessage string
	RejectionMessage  string
	NullSenderOK      bool
}

// OutboundQuotaPolicySection holds [OutboundQuotaPolicy].
type OutboundQuotaPolicySection struct {
	policySectionCommon
	CountingRecipients bool
	Margin             MarginSpec
	MinDeltaEnabled    bool
	MinDelta           time.Duration
}

// GreylistingPolicySection holds [GreylistingPolicy].
type GreylistingPolicySection struct {
	policySectionCommon
	WhitelistThreshold int
}

// SenderDomainAuthPolicySection holds [SenderDomainAuthPolicy].
type SenderDomainAuthPolicySection struct {
	policySectionCommon
}

// SPFEnforcementPolicySection holds [SPFEnforcementPolicy].
type SPFEnforcementPolicySection struct {
	policySectionCommon
	EvaluationTimeout time.Duration
}

// MarginKind classifies how an OutboundQuotaPolicy margin value is applied.
type MarginKind int

const (
	MarginAbsolute MarginKind = iota
	MarginRatio               // float in [0,1): limit*margin
	MarginPercent             // float in [1,100): limit*margin/100
)

// MarginSpec is the parsed form of the OutboundQuotaPolicy "margin" key.
type MarginSpec struct {
	Kind  MarginKind
	Value float64
}

// Effective resolves the margin against a concrete per-user limit.
func (m MarginSpec) Effective(limit int) int {
	switch m.Kind {
	case MarginRatio:
		return int(float64(limit) * m.Value)
	case MarginPercent:
		return int(float64(limit) * m.Value / 100)
	default:
		return int(m.Value)
	}
}

// ParseMargin classifies an OutboundQuotaPolicy margin value: an integer
// literal is an absolute count; a float in [0,1) is a ratio of the limit;
// a float in [1,100) is a percentage of the limit; a float >= 100 is a
// configuration error. Negative values are rejected in either form.
func ParseMargin(raw string) (MarginSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return MarginSpec{Kind: MarginAbsolute, Value: 0}, nil
	}
	if !strings.ContainsAny(raw, ".eE") {
		if n, err := strconv.Atoi(raw); err == nil {
			if n < 0 {
				return MarginSpec{}, fmt.Errorf("invalid margin %q: must be >= 0", raw)
			}
			return MarginSpec{Kind: MarginAbsolute, Value: float64(n)}, nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return MarginSpec{}, fmt.Errorf("invalid margin %q: %w", raw, err)
	}
	switch {
	case f < 0:
		return MarginSpec{}, fmt.Errorf("invalid margin %q: must be >= 0", raw)
	case f < 1:
		return MarginSpec{Kind: MarginRatio, Value: f}, nil
	case f < 100:
		return MarginSpec{Kind: MarginPercent, Value: f}, nil
	default:
		return MarginSpec{}, fmt.Errorf("invalid margin %q: ratio/percent margins must be < 100", raw)
	}
}

// Load reads the INI file at path (or the CHAPPS_CONFIG-env/default path if
// path is empty) and returns a fully populated Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ResolvePath()
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: false}, path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg := &Config{Path: path, PostfixSPFActions: make(map[string]string)}

	chapps := f.Section("CHAPPS")
	cfg.CHAPPS = CHAPPSSection{
		PayloadEncoding:   chapps.Key("payload_encoding").MustString("utf-8"),
		UserKey:           splitList(chapps.Key("user_key").MustString("sasl_username,ccert_subject,sender,client_address")),
		RequireUserKey:    chapps.Key("require_user_key").MustBool(false),
		NoUserKeyResponse: chapps.Key("no_user_key_response").MustString("REJECT Authentication required"),
		Pipeline:          chapps.Key("pipeline").MustString("multi"),
		MaxRequestBytes:   chapps.Key("max_request_bytes").MustInt(64 * 1024),
		FallbackAction:    chapps.Key("fallback_action").MustString("DUNNO"),
		RequestBudget:     durationOrDefault(chapps.Key("request_budget_sec").MustString(""), 10*time.Second),
		WorkerPoolSize:    chapps.Key("worker_pool_size").MustInt(0),
	}

	redisSec := f.Section("Redis")
	cfg.Redis = RedisSection{
		Server:          redisSec.Key("server").MustString("127.0.0.1"),
		Port:            redisSec.Key("port").MustInt(6379),
		DB:              redisSec.Key("db").MustInt(0),
		Password:        redisSec.Key("password").MustString(""),
		SentinelServers: splitList(redisSec.Key("sentinel_servers").MustString("")),
		SentinelDataset: redisSec.Key("sentinel_dataset").MustString(""),
		DialTimeout:     durationOrDefault(redisSec.Key("dial_timeout_sec").MustString(""), 2*time.Second),
		OpTimeout:       durationOrDefault(redisSec.Key("op_timeout_sec").MustString(""), 2*time.Second),
	}

	adapter := f.Section("PolicyConfigAdapter")
	cfg.PolicyConfigAdapter = PolicyConfigAdapterSection{
		Module: envOr(dbModuleEnv, adapter.Key("module").MustString("postgres")),
		DBHost: adapter.Key("db_host").MustString("127.0.0.1"),
		DBPort: adapter.Key("db_port").MustInt(5432),
		DBName: adapter.Key("db_name").MustString("chapps"),
		DBUser: adapter.Key("db_user").MustString("chapps"),
		DBPass: adapter.Key("db_pass").MustString(""),
	}

	oqpSec := f.Section("OutboundQuotaPolicy")
	margin, err := ParseMargin(oqpSec.Key("margin").MustString("0"))
	if err != nil {
		return nil, err
	}
	cfg.OutboundQuotaPolicy = OutboundQuotaPolicySection{
		policySectionCommon: commonSection(oqpSec, "DUNNO", "REJECT Outbound quota exceeded"),
		CountingRecipients:  oqpSec.Key("counting_recipients").MustBool(false),
		Margin:              margin,
		MinDeltaEnabled:     oqpSec.Key("min_delta_enabled").MustBool(false),
		MinDelta:            durationOrDefault(oqpSec.Key("min_delta").MustString(""), 0),
	}

	grlSec := f.Section("GreylistingPolicy")
	cfg.GreylistingPolicy = GreylistingPolicySection{
		policySectionCommon: commonSection(grlSec, "DUNNO", "DEFER_IF_PERMIT Service temporarily unavailable - greylisted"),
		WhitelistThreshold:  grlSec.Key("whitelist_threshold").MustInt(10),
	}

	sdaSec := f.Section("SenderDomainAuthPolicy")
	cfg.SenderDomainAuthPolicy = SenderDomainAuthPolicySection{
		policySectionCommon: commonSection(sdaSec, "DUNNO", "REJECT Sender domain is not authorised"),
	}

	spfSec := f.Section("SPFEnforcementPolicy")
	cfg.SPFEnforcementPolicy = SPFEnforcementPolicySection{
		policySectionCommon: commonSection(spfSec, "DUNNO", "550 5.7.1 SPF check failed"),
		EvaluationTimeout:   durationOrDefault(spfSec.Key("evaluation_timeout_sec").MustString(""), 20*time.Second),
	}

	actionsSec := f.Section("PostfixSPFActions")
	for _, key := range actionsSec.Keys() {
		cfg.PostfixSPFActions[strings.ToLower(key.Name())] = key.Value()
	}
	applySPFActionDefaults(cfg.PostfixSPFActions)

	return cfg, nil
}

func commonSection(sec *ini.Section, defAccept, defReject string) policySectionCommon {
	return policySectionCommon{
		ListenAddress:     sec.Key("listen_address").MustString("127.0.0.1"),
		ListenPort:        sec.Key("listen_port").MustInt(10030),
		AcceptanceMessage: sec.Key("acceptance_message").MustString(defAccept),
		RejectionMessage:  sec.Key("rejection_message").MustString(defReject),
		NullSenderOK:      sec.Key("null_sender_ok").MustBool(true),
	}
}

// applySPFActionDefaults fills in the §4.6 step-4 defaults for any SPF
// result not explicitly configured.
func applySPFActionDefaults(actions map[string]string) {
	defaults := map[string]string{
		"pass":      "prepend",
		"fail":      "550 5.7.1 SPF check failed: {reason}",
		"softfail":  "greylist",
		"neutral":   "greylist",
		"none":      "greylist",
		"temperror": "451 4.4.3 Temporary SPF evaluation error: {reason}",
		"permerror": "550 5.5.2 Permanent SPF evaluation error: {reason}",
	}
	for k, v := range defaults {
		if _, ok := actions[k]; !ok {
			actions[k] = v
		}
	}
}

// ResolvePath returns the config file path per CHAPPS_CONFIG / default rule.
func ResolvePath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationOrDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
