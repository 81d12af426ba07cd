package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/logger"
)

// sensitivePatterns mark errors that may echo credentials or headers
var sensitivePatterns = []string{
	"api_key",
	"api key",
	"apikey",
	"authorization",
	"bearer",
	"secret",
	"credential",
	"password",
}

// internalErrorPatterns mark errors about the host rather than the request
var internalErrorPatterns = []string{
	"connection refused",
	"no such host",
	"no such file",
	"permission denied",
	"executable file not found",
	"broken pipe",
}

// SanitizeError returns a client-safe error for operation. The full error
// is logged; the client sees it only if it carries nothing sensitive.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, agent.ErrNotConfigured):
		logger.Error("%s failed: %v", operation, err)
		return fmt.Errorf("%s failed: agent not configured", operation)
	case errors.Is(err, agent.ErrAdapterBusy):
		return fmt.Errorf("%s failed: agent is busy with another instruction", operation)
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, pattern) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: agent unavailable", operation)
		}
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, shorten(err.Error()))
}

// shorten keeps short messages and replaces long ones, which tend to be
// dumps from the agent's process or HTTP body.
func shorten(msg string) string {
	if len(msg) < 200 {
		return msg
	}
	return "an unexpected error occurred"
}
