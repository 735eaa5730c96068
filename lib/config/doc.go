// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads widgetd's YAML configuration.
//
// The file comes from the WIDGETD_CONFIG environment variable ([Load])
// or an explicit --config path ([LoadFile]). There is no discovery and
// no environment-variable override of individual values.
//
// A development, staging or production section overrides base values
// when [Config].Environment names it. Production refuses to run without
// sealed token storage.
//
// Path fields expand ${HOME}, ${WIDGETD_ROOT} and ${VAR:-default}.
package config
