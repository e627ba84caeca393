package config

import "errors"

var (
	ErrFailedToReadConfigFile  = errors.New("failed to read config file")
	ErrFailedToParseConfigFile = errors.New("failed to parse config file")
	ErrInvalidDialect          = errors.New("invalid MAVLink dialect")
	ErrNoRules                 = errors.New("no rules configured")
	ErrInvalidRule             = errors.New("invalid rule definition")
	ErrNetworkAddressRequired  = errors.New("network address is required")
)
