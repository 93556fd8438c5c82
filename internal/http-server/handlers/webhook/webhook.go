package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"creditengine/entity"
	"creditengine/internal/http-server/handlers/errors"
	"creditengine/lib/api/response"
	"creditengine/lib/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const maxBodyBytes = int64(65536)

type Core interface {
	HandlePaymentEvent(ctx context.Context, provider string, payload []byte, header string) (*entity.Transaction, error)
}

// Payment receives provider webhooks. Redelivered and ignored events are acknowledged with
// 200 so the provider stops retrying them.
func Payment(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		logger := log.With(
			sl.Module("http.handlers.webhook"),
			slog.String("provider", provider),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			logger.Error("read body", sl.Err(err))
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("Read body failed"))
			return
		}

		record, err := handler.HandlePaymentEvent(r.Context(), provider, payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			logger.Error("payment event", sl.Err(err))
			if errors.Status(err) == http.StatusForbidden {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.Error("Invalid signature"))
				return
			}
			errors.Render(w, r, err)
			return
		}
		if record != nil {
			logger.With(
				slog.String("user_id", record.UserID),
				slog.Int64("credits", record.Amount),
			).Info("payment credited")
		}
		render.JSON(w, r, response.Ok(nil))
	}
}
