package apperr

import "net/http"

// HTTPStatus maps a Kind to the status code the manager HTTP API (§4.6) and
// the proxy's error surfacing use. Unknown/uncategorized kinds map to 500.
func HTTPStatus(k Kind) int {
	switch k {
	case ValidationError:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Exists, AlreadyRunning, NotRunning:
		return http.StatusConflict
	case ProviderInitializing, NotEnoughFreeMemory:
		return http.StatusServiceUnavailable
	case AuthFailed:
		return http.StatusUnauthorized
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case TransportError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
