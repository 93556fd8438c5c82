package credits

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"creditengine/entity"
	"creditengine/internal/http-server/handlers/errors"
	"creditengine/lib/api/cont"
	"creditengine/lib/api/response"
	"creditengine/lib/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type Core interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetAccount(ctx context.Context, userID string) (*entity.Account, error)
	GetTransactionHistory(ctx context.Context, userID string, limit int) ([]*entity.Transaction, error)
	CheckFeature(ctx context.Context, userID, featureID string) entity.Decision
	UseFeature(ctx context.Context, userID, featureID, itemName, itemID string) (*entity.Usage, error)
	GiftCredits(ctx context.Context, caller *entity.User, senderID, recipientID string, amount int64, message string) (*entity.GiftResult, error)
	RedeemPromoCode(ctx context.Context, userID, code string) (*entity.PromoResult, error)
	PurchaseBundle(ctx context.Context, userID, bundleID string) (*entity.Checkout, error)
}

type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func scope(log *slog.Logger, r *http.Request) (*slog.Logger, *entity.User) {
	user := cont.GetUser(r.Context())
	l := log.With(
		sl.Module("http.handlers.credits"),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	if user != nil {
		l = l.With(slog.String("user_id", user.UserID))
	}
	return l, user
}

func GetBalance(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		balance, err := handler.GetBalance(r.Context(), user.UserID)
		if err != nil {
			errors.Log(logger, "get balance", err)
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(Balance{UserID: user.UserID, Balance: balance}))
	}
}

func GetAccount(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		account, err := handler.GetAccount(r.Context(), user.UserID)
		if err != nil {
			errors.Log(logger, "get account", err)
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(account))
	}
}

func History(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := handler.GetTransactionHistory(r.Context(), user.UserID, limit)
		if err != nil {
			errors.Log(logger, "get history", err)
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(records))
	}
}

// Check previews the entitlement decision; a denial is a normal response, not an error.
func Check(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		feature := chi.URLParam(r, "feature")
		decision := handler.CheckFeature(r.Context(), user.UserID, feature)
		logger.Debug("feature checked",
			slog.String("feature", feature),
			slog.String("reason", string(decision.Reason)),
			slog.Bool("allowed", decision.Allowed),
		)
		render.JSON(w, r, response.Ok(decision))
	}
}

func Use(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		var req entity.UseFeatureRequest
		if err := render.Bind(r, &req); err != nil {
			logger.Info("bind request", sl.Err(err))
			errors.BadRequest(w, r, err)
			return
		}
		usage, err := handler.UseFeature(r.Context(), user.UserID, req.Feature, req.ItemName, req.ItemID)
		if err != nil {
			errors.Log(logger, "use feature", err, slog.String("feature", req.Feature))
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(usage))
	}
}

func Gift(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		var req entity.GiftRequest
		if err := render.Bind(r, &req); err != nil {
			logger.Info("bind request", sl.Err(err))
			errors.BadRequest(w, r, err)
			return
		}
		result, err := handler.GiftCredits(r.Context(), user, user.UserID, req.RecipientID, req.Amount, req.Message)
		if err != nil {
			errors.Log(logger, "gift credits", err, slog.String("recipient_id", req.RecipientID))
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(result))
	}
}

func Promo(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		var req entity.PromoRequest
		if err := render.Bind(r, &req); err != nil {
			logger.Info("bind request", sl.Err(err))
			errors.BadRequest(w, r, err)
			return
		}
		result, err := handler.RedeemPromoCode(r.Context(), user.UserID, req.Code)
		if err != nil {
			errors.Log(logger, "redeem promo", err)
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(result))
	}
}

func Purchase(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, user := scope(log, r)
		if user == nil {
			errors.Render(w, r, entity.ErrUnauthorized)
			return
		}
		var req entity.Payment
		if err := render.Bind(r, &req); err != nil {
			logger.Info("bind request", sl.Err(err))
			errors.BadRequest(w, r, err)
			return
		}
		checkout, err := handler.PurchaseBundle(r.Context(), user.UserID, req.BundleID)
		if err != nil {
			errors.Log(logger, "purchase bundle", err, slog.String("bundle_id", req.BundleID))
			errors.Render(w, r, err)
			return
		}
		render.JSON(w, r, response.Ok(checkout))
	}
}
