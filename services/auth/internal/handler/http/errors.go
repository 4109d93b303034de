package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/jockeBjers/isolApi/pkg/errors"
	"github.com/jockeBjers/isolApi/pkg/httputil"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

// toAppError maps authentication errors to their wire representation.
// Errors already carrying an AppError pass through unchanged.
func toAppError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var locked *domain.LockedOutError
	switch {
	case errors.As(err, &locked):
		return apperrors.Locked(lockedMessage(locked.RemainingMinutes()), locked.Remaining)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return apperrors.Unauthorized("INVALID_CREDENTIALS", "invalid email or password")
	// Checked before ErrStoreUnavailable: a rotation that failed closed
	// carries both and the client must log in again.
	case errors.Is(err, domain.ErrInvalidRefreshToken):
		return apperrors.Unauthorized("INVALID_REFRESH_TOKEN", "invalid or expired refresh token")
	case errors.Is(err, domain.ErrDuplicateEmail):
		return &apperrors.AppError{
			Code:    "ALREADY_EXISTS",
			Message: "email is already registered",
			Status:  http.StatusConflict,
			Err:     apperrors.ErrAlreadyExists,
		}
	case errors.Is(err, domain.ErrUserNotFound):
		return &apperrors.AppError{
			Code:    "NOT_FOUND",
			Message: "user not found",
			Status:  http.StatusNotFound,
			Err:     apperrors.ErrNotFound,
		}
	case errors.Is(err, domain.ErrStoreUnavailable):
		return apperrors.ServiceUnavailable(err)
	default:
		return apperrors.Internal(err)
	}
}

func lockedMessage(minutes int) string {
	if minutes == 1 {
		return "account is locked, try again in 1 minute"
	}
	return fmt.Sprintf("account is locked, try again in %d minutes", minutes)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	httputil.WriteError(w, r, toAppError(err), logger)
}
