// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by internal service calls that don't need a custom timeout.
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}
