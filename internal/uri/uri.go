// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package uri parses the standard connection string:
// mongodb://[user:pass@]host1[:p1][,host2[:p2]...]/[db][?opts].
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ferrumdb/godriver/address"
)

// Scheme is the only connection-string scheme this parser accepts. DNS-SRV
// resolution ("mongodb+srv") is a platform concern named only as an
// interface; see ConfigurationError below.
const Scheme = "mongodb"

// ReadPreferenceMode mirrors the description.ReadPrefMode enum.
type ReadPreferenceMode string

// Recognized read preference modes.
const (
	ReadPreferencePrimary            ReadPreferenceMode = "primary"
	ReadPreferencePrimaryPreferred   ReadPreferenceMode = "primaryPreferred"
	ReadPreferenceSecondary          ReadPreferenceMode = "secondary"
	ReadPreferenceSecondaryPreferred ReadPreferenceMode = "secondaryPreferred"
	ReadPreferenceNearest            ReadPreferenceMode = "nearest"
)

// ReadConcernLevel mirrors the enum of recognized readConcernLevel values.
type ReadConcernLevel string

// Recognized read concern levels.
const (
	ReadConcernLocal        ReadConcernLevel = "local"
	ReadConcernMajority     ReadConcernLevel = "majority"
	ReadConcernLinearizable ReadConcernLevel = "linearizable"
	ReadConcernAvailable    ReadConcernLevel = "available"
	ReadConcernSnapshot     ReadConcernLevel = "snapshot"
)

// ConfigurationError is returned for any syntactic or semantic URI problem.
// It is fatal and never retried.
type ConfigurationError struct {
	URI    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("error parsing uri (%s): %s", e.URI, e.Reason)
}

// ConnString is the parsed result of a connection string.
type ConnString struct {
	Original string

	Hosts []string // raw host[:port] tokens, in declared order

	Username    string
	Password    string
	HasUsername bool
	HasPassword bool

	Database string

	ReplicaSet               string
	Directconnection         bool
	HasDirectConnection      bool
	LoadBalanced             bool
	TLS                      bool
	HasTLS                   bool
	ConnectTimeout           int // ms
	SocketTimeout            int // ms
	ServerSelectionTimeout   int // ms
	LocalThreshold           int // ms
	HeartbeatInterval        int // ms
	MaxPoolSize              uint64
	MinPoolSize              uint64
	MaxConnIdleTime          int // ms
	ReadPreference           ReadPreferenceMode
	ReadPreferenceTagSets    []map[string]string
	MaxStalenessSeconds      int
	ReadConcernLevel         ReadConcernLevel
	W                        string
	WTimeout                 int // ms
	Journal                  bool
	HasJournal               bool
	RetryWrites              bool
	RetryReads               bool
	AppName                  string

	UnknownOptions map[string]string
}

// recognizedOptions lowercases to the canonical option key; the URI parser
// is case-insensitive on keys per §4.1.
var recognizedOptions = map[string]string{
	"replicaset":              "replicaSet",
	"directconnection":        "directConnection",
	"loadbalanced":            "loadBalanced",
	"ssl":                     "tls",
	"tls":                     "tls",
	"connecttimeoutms":        "connectTimeoutMS",
	"sockettimeoutms":         "socketTimeoutMS",
	"serverselectiontimeoutms": "serverSelectionTimeoutMS",
	"localthresholdms":        "localThresholdMS",
	"heartbeatfrequencyms":    "heartbeatFrequencyMS",
	"maxpoolsize":             "maxPoolSize",
	"minpoolsize":             "minPoolSize",
	"maxidletimems":           "maxIdleTimeMS",
	"readpreference":          "readPreference",
	"readpreferencetags":      "readPreferenceTags",
	"maxstalenessseconds":     "maxStalenessSeconds",
	"readconcernlevel":        "readConcernLevel",
	"w":                       "w",
	"wtimeoutms":              "wTimeoutMS",
	"journal":                 "journal",
	"retrywrites":             "retryWrites",
	"retryreads":              "retryReads",
	"appname":                 "appName",
}

// Parse parses a connection string into a ConnString, applying defaults
// and per-option validation.
func Parse(s string) (*ConnString, error) {
	cs := &ConnString{
		Original:               s,
		RetryWrites:            true,
		RetryReads:             true,
		ServerSelectionTimeout: 30000,
		HeartbeatInterval:      10000,
		LocalThreshold:         15,
		MaxPoolSize:            100,
		UnknownOptions:         map[string]string{},
	}

	rest := s
	schemeSep := "://"
	idx := strings.Index(rest, schemeSep)
	if idx < 0 {
		return nil, &ConfigurationError{URI: s, Reason: "scheme separator \"://\" not found"}
	}
	scheme := rest[:idx]
	if scheme != Scheme {
		return nil, &ConfigurationError{URI: s, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}
	rest = rest[idx+len(schemeSep):]

	// Split off the options first: everything after the first unescaped '?'.
	var query string
	if qIdx := strings.IndexByte(rest, '?'); qIdx >= 0 {
		query = rest[qIdx+1:]
		rest = rest[:qIdx]
	}

	// Split off the default database: everything after the first '/'.
	if slashIdx := strings.IndexByte(rest, '/'); slashIdx >= 0 {
		cs.Database = rest[slashIdx+1:]
		rest = rest[:slashIdx]
	}

	// Split userinfo from host list: the last '@' separates them (passwords
	// may themselves not legally contain '@' once percent-decoded, but the
	// raw string may contain a percent-encoded one).
	hostPart := rest
	if atIdx := strings.LastIndexByte(rest, '@'); atIdx >= 0 {
		userinfo := rest[:atIdx]
		hostPart = rest[atIdx+1:]

		if err := parseUserinfo(cs, userinfo, s); err != nil {
			return nil, err
		}
	}

	if err := parseHosts(cs, hostPart, s); err != nil {
		return nil, err
	}

	if err := parseOptions(cs, query, s); err != nil {
		return nil, err
	}

	return cs, nil
}

func parseUserinfo(cs *ConnString, userinfo, original string) error {
	colonIdx := strings.IndexByte(userinfo, ':')
	var userRaw, passRaw string
	hasPass := false
	if colonIdx >= 0 {
		userRaw = userinfo[:colonIdx]
		passRaw = userinfo[colonIdx+1:]
		hasPass = true
	} else {
		userRaw = userinfo
	}

	user, err := url.QueryUnescape(userRaw)
	if err != nil {
		return &ConfigurationError{URI: original, Reason: "invalid percent-encoding in username"}
	}
	cs.Username = user
	cs.HasUsername = true

	if hasPass {
		pass, err := url.QueryUnescape(passRaw)
		if err != nil {
			return &ConfigurationError{URI: original, Reason: "invalid percent-encoding in password"}
		}
		cs.Password = pass
		cs.HasPassword = true
	}

	return nil
}

func parseHosts(cs *ConnString, hostPart, original string) error {
	// Tolerate a trailing comma in the host list.
	hostPart = strings.TrimSuffix(hostPart, ",")

	rawHosts := strings.Split(hostPart, ",")
	for _, h := range rawHosts {
		if h == "" {
			continue
		}
		addr := address.Address(h).Canonicalize()
		cs.Hosts = append(cs.Hosts, string(addr))
	}

	if len(cs.Hosts) == 0 {
		return &ConfigurationError{URI: original, Reason: "must have at least 1 host"}
	}

	return nil
}

func parseOptions(cs *ConnString, query, original string) error {
	if query == "" {
		return nil
	}

	pairs := strings.Split(query, "&")
	for _, pair := range pairs {
		if pair == "" {
			continue
		}

		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return &ConfigurationError{URI: original, Reason: fmt.Sprintf("option %q is missing a value", pair)}
		}

		rawKey, rawVal := kv[0], kv[1]
		if rawVal == "" {
			return &ConfigurationError{URI: original, Reason: fmt.Sprintf("option %q has an empty value", rawKey)}
		}

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return &ConfigurationError{URI: original, Reason: fmt.Sprintf("invalid percent-encoding in option key %q", rawKey)}
		}
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			return &ConfigurationError{URI: original, Reason: fmt.Sprintf("invalid percent-encoding in option value for %q", key)}
		}

		canonical, known := recognizedOptions[strings.ToLower(key)]
		if !known {
			cs.UnknownOptions[key] = val
			continue
		}

		if err := applyOption(cs, canonical, val, original); err != nil {
			return err
		}
	}

	return nil
}

func applyOption(cs *ConnString, key, val, original string) error {
	invalid := func(reason string) error {
		return &ConfigurationError{URI: original, Reason: reason}
	}

	parseBool := func() (bool, error) {
		switch strings.ToLower(val) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return false, invalid(fmt.Sprintf("invalid boolean value %q for option %q", val, key))
		}
	}

	parseUint := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, invalid(fmt.Sprintf("invalid non-negative integer %q for option %q", val, key))
		}
		return n, nil
	}

	switch key {
	case "replicaSet":
		cs.ReplicaSet = val
	case "directConnection":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.Directconnection = b
		cs.HasDirectConnection = true
	case "loadBalanced":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.LoadBalanced = b
	case "tls":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.TLS = b
		cs.HasTLS = true
	case "connectTimeoutMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.ConnectTimeout = n
	case "socketTimeoutMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.SocketTimeout = n
	case "serverSelectionTimeoutMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.ServerSelectionTimeout = n
	case "localThresholdMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.LocalThreshold = n
	case "heartbeatFrequencyMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		if n < 500 {
			return invalid("heartbeatFrequencyMS must be >= minHeartbeatFrequency (500ms)")
		}
		cs.HeartbeatInterval = n
	case "maxPoolSize":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.MaxPoolSize = uint64(n)
	case "minPoolSize":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.MinPoolSize = uint64(n)
	case "maxIdleTimeMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.MaxConnIdleTime = n
	case "readPreference":
		switch ReadPreferenceMode(val) {
		case ReadPreferencePrimary, ReadPreferencePrimaryPreferred, ReadPreferenceSecondary,
			ReadPreferenceSecondaryPreferred, ReadPreferenceNearest:
			cs.ReadPreference = ReadPreferenceMode(val)
		default:
			return invalid(fmt.Sprintf("unknown readPreference mode %q", val))
		}
	case "readPreferenceTags":
		tagSet := map[string]string{}
		for _, kv := range strings.Split(val, ",") {
			parts := strings.SplitN(kv, ":", 2)
			if len(parts) != 2 {
				return invalid(fmt.Sprintf("invalid readPreferenceTags entry %q", kv))
			}
			tagSet[parts[0]] = parts[1]
		}
		cs.ReadPreferenceTagSets = append(cs.ReadPreferenceTagSets, tagSet)
	case "maxStalenessSeconds":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.MaxStalenessSeconds = n
	case "readConcernLevel":
		switch ReadConcernLevel(val) {
		case ReadConcernLocal, ReadConcernMajority, ReadConcernLinearizable, ReadConcernAvailable, ReadConcernSnapshot:
			cs.ReadConcernLevel = ReadConcernLevel(val)
		default:
			return invalid(fmt.Sprintf("unknown readConcernLevel %q", val))
		}
	case "w":
		cs.W = val
	case "wTimeoutMS":
		n, err := parseUint()
		if err != nil {
			return err
		}
		cs.WTimeout = n
	case "journal":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.Journal = b
		cs.HasJournal = true
	case "retryWrites":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.RetryWrites = b
	case "retryReads":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cs.RetryReads = b
	case "appName":
		cs.AppName = val
	}

	return nil
}

// String re-serializes the parsed connection string. The output is
// canonical rather than byte-identical to the input, but parsing it yields
// the same seeds, credentials, database, and options.
func (cs *ConnString) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")

	if cs.HasUsername {
		b.WriteString(url.QueryEscape(cs.Username))
		if cs.HasPassword {
			b.WriteByte(':')
			b.WriteString(url.QueryEscape(cs.Password))
		}
		b.WriteByte('@')
	}

	for i, h := range cs.Hosts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(h)
	}

	b.WriteByte('/')
	b.WriteString(cs.Database)

	opts := cs.optionPairs()
	for i, pair := range opts {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(pair)
	}

	return b.String()
}

// optionPairs renders every option whose value differs from the parser's
// defaults, in a fixed order.
func (cs *ConnString) optionPairs() []string {
	var pairs []string
	add := func(key, val string) {
		pairs = append(pairs, key+"="+url.QueryEscape(val))
	}
	addBool := func(key string, v bool) {
		add(key, strconv.FormatBool(v))
	}

	if cs.ReplicaSet != "" {
		add("replicaSet", cs.ReplicaSet)
	}
	if cs.HasDirectConnection {
		addBool("directConnection", cs.Directconnection)
	}
	if cs.LoadBalanced {
		addBool("loadBalanced", true)
	}
	if cs.HasTLS {
		addBool("tls", cs.TLS)
	}
	if cs.ConnectTimeout != 0 {
		add("connectTimeoutMS", strconv.Itoa(cs.ConnectTimeout))
	}
	if cs.SocketTimeout != 0 {
		add("socketTimeoutMS", strconv.Itoa(cs.SocketTimeout))
	}
	if cs.ServerSelectionTimeout != 30000 {
		add("serverSelectionTimeoutMS", strconv.Itoa(cs.ServerSelectionTimeout))
	}
	if cs.LocalThreshold != 15 {
		add("localThresholdMS", strconv.Itoa(cs.LocalThreshold))
	}
	if cs.HeartbeatInterval != 10000 {
		add("heartbeatFrequencyMS", strconv.Itoa(cs.HeartbeatInterval))
	}
	if cs.MaxPoolSize != 100 {
		add("maxPoolSize", strconv.FormatUint(cs.MaxPoolSize, 10))
	}
	if cs.MinPoolSize != 0 {
		add("minPoolSize", strconv.FormatUint(cs.MinPoolSize, 10))
	}
	if cs.MaxConnIdleTime != 0 {
		add("maxIdleTimeMS", strconv.Itoa(cs.MaxConnIdleTime))
	}
	if cs.ReadPreference != "" {
		add("readPreference", string(cs.ReadPreference))
	}
	for _, tagSet := range cs.ReadPreferenceTagSets {
		var kvs []string
		for k, v := range tagSet {
			kvs = append(kvs, k+":"+v)
		}
		add("readPreferenceTags", strings.Join(kvs, ","))
	}
	if cs.MaxStalenessSeconds != 0 {
		add("maxStalenessSeconds", strconv.Itoa(cs.MaxStalenessSeconds))
	}
	if cs.ReadConcernLevel != "" {
		add("readConcernLevel", string(cs.ReadConcernLevel))
	}
	if cs.W != "" {
		add("w", cs.W)
	}
	if cs.WTimeout != 0 {
		add("wtimeoutMS", strconv.Itoa(cs.WTimeout))
	}
	if cs.HasJournal {
		addBool("journal", cs.Journal)
	}
	if !cs.RetryWrites {
		addBool("retryWrites", false)
	}
	if !cs.RetryReads {
		addBool("retryReads", false)
	}
	if cs.AppName != "" {
		add("appname", cs.AppName)
	}
	return pairs
}

// Validate applies the cross-field invariants that cannot be checked
// option-by-option: a standalone target (single seed, no replicaSet, no
// loadBalanced) is fine, but more than one seed combined with
// directConnection is a configuration error.
func (cs *ConnString) Validate() error {
	if cs.Directconnection && len(cs.Hosts) > 1 {
		return &ConfigurationError{URI: cs.Original, Reason: "directConnection=true is incompatible with multiple seeds"}
	}
	if cs.LoadBalanced && len(cs.Hosts) > 1 {
		return &ConfigurationError{URI: cs.Original, Reason: "loadBalanced=true is incompatible with multiple seeds"}
	}
	if cs.LoadBalanced && cs.ReplicaSet != "" {
		return &ConfigurationError{URI: cs.Original, Reason: "loadBalanced=true is incompatible with replicaSet"}
	}
	return nil
}
