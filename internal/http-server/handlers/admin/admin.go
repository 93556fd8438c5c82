package admin

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
	AdminAdjustCredits(ctx context.Context, admin *entity.User, targetUserID string, amount int64, reason string) (*entity.AdjustResult, error)
	Refund(ctx context.Context, admin *entity.User, userID string, amount int64, reason, ref string) (*entity.AdjustResult, error)
	EnrollPilot(ctx context.Context, admin *entity.User, userID, programID string) (*entity.Account, error)
	RemovePilot(ctx context.Context, admin *entity.User, userID string) (*entity.Account, error)
	GetAuditLog(ctx context.Context, admin *entity.User, limit int) ([]*entity.AuditEntry, error)

	GetSettings(ctx context.Context, admin *entity.User) (*entity.Settings, error)
	UpdateSettings(ctx context.Context, admin *entity.User, update *entity.Settings) (*entity.Settings, error)
	SetCreditsEnabled(ctx context.Context, admin *entity.User, enabled bool) (*entity.Settings, error)
	SetFreePeriod(ctx context.Context, admin *entity.User, period entity.FreePeriod) (*entity.Settings, error)
	RegisterFeature(ctx context.Context, admin *entity.User, featureID string) (*entity.Settings, error)
	UpsertFeaturePricing(ctx context.Context, admin *entity.User, pricing entity.FeaturePricing) (*entity.Settings, error)
	DeleteFeaturePricing(ctx context.Context, admin *entity.User, featureID string) (*entity.Settings, error)
	UpsertPromoCode(ctx context.Context, admin *entity.User, promo entity.PromoCode) (*entity.Settings, error)
	DeletePromoCode(ctx context.Context, admin *entity.User, code string) (*entity.Settings, error)
	UpsertPilotProgram(ctx context.Context, admin *entity.User, program entity.PilotProgram) (*entity.Settings, error)
	UpsertBundle(ctx context.Context, admin *entity.User, bundle entity.Bundle) (*entity.Settings, error)

	PaymentState(ctx context.Context) (entity.PaymentSettings, error)
	SetPaymentCredentials(ctx context.Context, admin *entity.User, req *entity.CredentialsRequest) (entity.PaymentSettings, error)
	SetFailoverPolicy(ctx context.Context, admin *entity.User, policy entity.Failover) (entity.PaymentSettings, error)
}

func scope(log *slog.Logger, r *http.Request) (*slog.Logger, *entity.User) {
	user := cont.GetUser(r.Context())
	l := log.With(
		sl.Module("http.handlers.admin"),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	if user != nil {
		l = l.With(slog.String("admin_id", user.UserID))
	}
	return l, user
}

// reply writes data or the error; every admin handler ends with it.
func reply(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, data interface{}, err error) {
	if err != nil {
		errors.Log(logger, action, err)
		errors.Render(w, r, err)
		return
	}
	logger.Info(action)
	render.JSON(w, r, response.Ok(data))
}

func bind(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v render.Binder) bool {
	if err := render.Bind(r, v); err != nil {
		logger.Info("bind request", sl.Err(err))
		errors.BadRequest(w, r, err)
		return false
	}
	return true
}

func Adjust(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.AdjustRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("target", req.UserID), slog.Int64("amount", req.Amount))
		result, err := handler.AdminAdjustCredits(r.Context(), admin, req.UserID, req.Amount, req.Reason)
		reply(w, r, logger, "adjust credits", result, err)
	}
}

func Refund(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.AdjustRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("target", req.UserID), slog.Int64("amount", req.Amount))
		result, err := handler.Refund(r.Context(), admin, req.UserID, req.Amount, req.Reason, req.Ref)
		reply(w, r, logger, "refund", result, err)
	}
}

func EnrollPilot(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.PilotRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("target", req.UserID), slog.String("program_id", req.ProgramID))
		account, err := handler.EnrollPilot(r.Context(), admin, req.UserID, req.ProgramID)
		reply(w, r, logger, "enroll pilot", account, err)
	}
}

func RemovePilot(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.PilotRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("target", req.UserID))
		account, err := handler.RemovePilot(r.Context(), admin, req.UserID)
		reply(w, r, logger, "remove pilot", account, err)
	}
}

func AuditLog(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := handler.GetAuditLog(r.Context(), admin, limit)
		reply(w, r, logger, "audit log", entries, err)
	}
}

func GetSettings(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		settings, err := handler.GetSettings(r.Context(), admin)
		reply(w, r, logger, "get settings", settings, err)
	}
}

func UpdateSettings(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.Settings
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.Int64("version", req.Version))
		settings, err := handler.UpdateSettings(r.Context(), admin, &req)
		reply(w, r, logger, "update settings", settings, err)
	}
}

func CreditsEnabled(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.ToggleRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.Bool("enabled", req.Enabled))
		settings, err := handler.SetCreditsEnabled(r.Context(), admin, req.Enabled)
		reply(w, r, logger, "credits enabled", settings, err)
	}
}

func FreePeriod(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.FreePeriodRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.Bool("enabled", req.Enabled))
		settings, err := handler.SetFreePeriod(r.Context(), admin, entity.FreePeriod{
			Enabled:    req.Enabled,
			ValidUntil: req.ValidUntil,
			Message:    req.Message,
		})
		reply(w, r, logger, "free period", settings, err)
	}
}

func RegisterFeature(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.FeatureRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("feature", req.FeatureID))
		settings, err := handler.RegisterFeature(r.Context(), admin, req.FeatureID)
		reply(w, r, logger, "register feature", settings, err)
	}
}

func UpsertPricing(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.FeaturePricing
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("feature", string(req.FeatureID)))
		settings, err := handler.UpsertFeaturePricing(r.Context(), admin, req)
		reply(w, r, logger, "upsert pricing", settings, err)
	}
}

func DeletePricing(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		feature := chi.URLParam(r, "feature")
		logger = logger.With(slog.String("feature", feature))
		settings, err := handler.DeleteFeaturePricing(r.Context(), admin, feature)
		reply(w, r, logger, "delete pricing", settings, err)
	}
}

func UpsertPromo(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.PromoCode
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("code", req.Code))
		settings, err := handler.UpsertPromoCode(r.Context(), admin, req)
		reply(w, r, logger, "upsert promo", settings, err)
	}
}

func DeletePromo(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		code := chi.URLParam(r, "code")
		logger = logger.With(slog.String("code", code))
		settings, err := handler.DeletePromoCode(r.Context(), admin, code)
		reply(w, r, logger, "delete promo", settings, err)
	}
}

func UpsertPilotProgram(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.PilotProgram
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("program_id", req.ID))
		settings, err := handler.UpsertPilotProgram(r.Context(), admin, req)
		reply(w, r, logger, "upsert pilot program", settings, err)
	}
}

func UpsertBundle(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.Bundle
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("bundle_id", req.ID))
		settings, err := handler.UpsertBundle(r.Context(), admin, req)
		reply(w, r, logger, "upsert bundle", settings, err)
	}
}

func PaymentState(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, _ := scope(log, r)
		state, err := handler.PaymentState(r.Context())
		reply(w, r, logger, "payment state", state, err)
	}
}

func PaymentCredentials(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.CredentialsRequest
		if !bind(w, r, logger, &req) {
			return
		}
		logger = logger.With(slog.String("provider", string(req.Provider)), slog.String("kind", req.Kind))
		state, err := handler.SetPaymentCredentials(r.Context(), admin, &req)
		reply(w, r, logger, "payment credentials", state, err)
	}
}

func FailoverPolicy(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger, admin := scope(log, r)
		var req entity.Failover
		if !bind(w, r, logger, &req) {
			return
		}
		state, err := handler.SetFailoverPolicy(r.Context(), admin, req)
		reply(w, r, logger, "failover policy", state, err)
	}
}
