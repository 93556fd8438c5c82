package errors

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"

	"creditengine/entity"
	"creditengine/internal/ratelimit"
	"creditengine/lib/api/response"
	"creditengine/lib/sl"

	"github.com/go-chi/render"
)

// Status maps a credit engine error to an HTTP status code.
func Status(err error) int {
	var rl *entity.RateLimitError
	if stderrors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	switch {
	case stderrors.Is(err, entity.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case stderrors.Is(err, entity.ErrInvalidAmount),
		stderrors.Is(err, entity.ErrSelfGift),
		stderrors.Is(err, entity.ErrInvalidPromoCode),
		stderrors.Is(err, entity.ErrFeatureUnknown):
		return http.StatusBadRequest
	case stderrors.Is(err, entity.ErrUnauthorized):
		return http.StatusForbidden
	case stderrors.Is(err, entity.ErrAccountNotFound),
		stderrors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, entity.ErrAlreadyRedeemed),
		stderrors.Is(err, entity.ErrVersionConflict):
		return http.StatusConflict
	case stderrors.Is(err, entity.ErrDailyGiftCap),
		stderrors.Is(err, entity.ErrPromoInactive),
		stderrors.Is(err, entity.ErrFeatureDenied),
		stderrors.Is(err, entity.ErrPilotUnavailable):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, entity.ErrSettingsUnavailable),
		stderrors.Is(err, entity.ErrTransientFailure),
		stderrors.Is(err, entity.ErrNoProvider):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Render writes the error envelope with a message that can be shown to the user.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	var rl *entity.RateLimitError
	if stderrors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.FormatInt(ratelimit.Seconds(rl.RetryAfter), 10))
	}
	render.Status(r, Status(err))
	render.JSON(w, r, response.Error(entity.Reason(err)))
}

// BadRequest reports a body that could not be bound or validated.
func BadRequest(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, response.Error("Invalid request: "+err.Error()))
}

// Log records a failed request: denials at Info, everything else at Error.
func Log(logger *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	level := slog.LevelError
	if entity.IsDenial(err) {
		level = slog.LevelInfo
	}
	logger.LogAttrs(context.Background(), level, msg, append(attrs, sl.Err(err))...)
}
