package provider

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

// classifyTokenError maps an oauth2 token-endpoint failure onto the proxy's
// error taxonomy. A definitive provider rejection (invalid_grant, or any
// 4xx other than 429) is terminal; network failures, 5xx and throttling are
// transient.
func classifyTokenError(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		switch {
		case retrieveErr.ErrorCode == "invalid_grant":
			return apperrors.Wrapf(apperrors.ErrInvalidGrant, "[provider.%s] provider rejected grant", op)
		case code >= 500 || code == http.StatusTooManyRequests:
			return apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.%s] provider returned %d", op, code)
		default:
			return apperrors.Wrapf(apperrors.ErrInvalidGrant, "[provider.%s] provider returned %d (%s)", op, code, retrieveErr.ErrorCode)
		}
	}
	return apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.%s] %v", op, err)
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(v)
}
