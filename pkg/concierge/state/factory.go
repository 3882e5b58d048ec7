// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/concierge-hq/concierge/pkg/logger"
)

// EnvStateURL selects the state backend. Unset means in-memory; a
// postgres:// or postgresql:// URL means the relational backend; any other
// scheme is a startup error.
const EnvStateURL = "CONCIERGE_STATE_URL"

// NewFromEnv builds the state backend selected by EnvStateURL.
func NewFromEnv(ctx context.Context) (Backend, error) {
	raw := os.Getenv(EnvStateURL)
	if raw == "" {
		logger.Infof("%s not set, using in-memory state backend", EnvStateURL)
		return NewMemoryBackend(), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvStateURL, err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		logger.Infof("using postgres state backend: %s", maskPassword(u))
		return NewPostgresBackend(ctx, raw)
	default:
		return nil, fmt.Errorf("unsupported %s scheme %q (want postgres:// or postgresql://)",
			EnvStateURL, u.Scheme)
	}
}

// maskPassword renders a database URL with its password replaced, safe for
// logs.
func maskPassword(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	masked := *u
	if _, has := u.User.Password(); has {
		masked.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return masked.String()
}
