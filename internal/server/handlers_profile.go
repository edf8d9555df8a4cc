package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mira/backend/internal/profilecache"
)

type profileRecord struct {
	UserID        string
	Email         *string
	BirthDate     time.Time
	BirthTime     *string
	BirthLocation string
	BirthCountry  string
	ZodiacSign    string
	Timezone      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p profileRecord) toMap() map[string]any {
	return map[string]any{
		"user_id":        p.UserID,
		"email":          p.Email,
		"birth_date":     p.BirthDate.Format("2006-01-02"),
		"birth_time":     p.BirthTime,
		"birth_location": p.BirthLocation,
		"birth_country":  p.BirthCountry,
		"zodiac_sign":    p.ZodiacSign,
		"timezone":       p.Timezone,
		"created_at":     p.CreatedAt.UTC(),
		"updated_at":     p.UpdatedAt.UTC(),
	}
}

var errProfileNotFound = &httpError{Status: http.StatusNotFound, Detail: "Profile not found"}

func (a *App) getProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	record, err := loadProfile(c.Request.Context(), a.db, user.ID)
	if err != nil {
		if errors.Is(err, errProfileNotFound) {
			a.forgetProfile(c)
		}
		a.writeExecutionError(c, err)
		return
	}

	profile := record.toMap()
	a.rememberProfile(c, user, profile)
	c.JSON(http.StatusOK, profile)
}

func (a *App) createProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload profileRequest
	if !mustJSON(c, &payload) {
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	validated, err := validateProfile(validatedProfileInput{
		BirthDate:     derefOr(payload.BirthDate, ""),
		BirthTime:     derefOr(payload.BirthTime, ""),
		BirthLocation: derefOr(payload.BirthLocation, ""),
		BirthCountry:  derefOr(payload.BirthCountry, ""),
	}, a.now())
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	record, err := upsertProfile(c.Request.Context(), a.db, user, validated)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	a.logger.Info("profile saved", zap.String("user_id", user.ID), zap.String("zodiac_sign", record.ZodiacSign))

	profile := record.toMap()
	a.rememberProfile(c, user, profile)
	c.JSON(http.StatusOK, gin.H{
		"message": "Profile created successfully",
		"profile": profile,
	})
}

func (a *App) updateProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload profileRequest
	if !mustJSON(c, &payload) {
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	existing, err := loadProfile(c.Request.Context(), a.db, user.ID)
	if err != nil {
		if errors.Is(err, errProfileNotFound) {
			a.forgetProfile(c)
		}
		a.writeExecutionError(c, err)
		return
	}

	validated, err := validateProfile(validatedProfileInput{
		BirthDate:     derefOr(payload.BirthDate, existing.BirthDate.Format("2006-01-02")),
		BirthTime:     derefOr(payload.BirthTime, derefOr(existing.BirthTime, "")),
		BirthLocation: derefOr(payload.BirthLocation, existing.BirthLocation),
		BirthCountry:  derefOr(payload.BirthCountry, existing.BirthCountry),
	}, a.now())
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	record, err := upsertProfile(c.Request.Context(), a.db, user, validated)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	profile := record.toMap()
	a.rememberProfile(c, user, profile)
	c.JSON(http.StatusOK, gin.H{
		"message": "Profile updated successfully",
		"profile": profile,
	})
}

func (a *App) deleteProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	tag, err := a.db.Exec(c.Request.Context(), `DELETE FROM "Profile" WHERE "userId" = $1`, user.ID)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	a.forgetProfile(c)
	if tag.RowsAffected() == 0 {
		a.writeExecutionError(c, errProfileNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (a *App) getCachedProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	namespace := deviceNamespace(c)
	if namespace == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"detail": "No cached profile",
			"reason": profilecache.Missing.String(),
		})
		return
	}

	profile, verdict, err := a.profiles.Load(c.Request.Context(), namespace, user.ID, a.now())
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	if verdict != profilecache.Valid {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"detail": "No cached profile",
			"reason": verdict.String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": profile,
		"cached":  true,
	})
}

// rememberProfile and forgetProfile are best effort: a cache failure never
// fails the request that triggered it.
func (a *App) rememberProfile(c *gin.Context, user AuthUser, profile map[string]any) {
	namespace := deviceNamespace(c)
	if namespace == "" {
		return
	}
	if err := a.profiles.Save(c.Request.Context(), namespace, profile, user.ID, a.now()); err != nil {
		a.logger.Warn("profile cache write failed", zap.String("namespace", namespace), zap.Error(err))
	}
}

func (a *App) forgetProfile(c *gin.Context) {
	namespace := deviceNamespace(c)
	if namespace == "" {
		return
	}
	if err := a.profiles.Clear(c.Request.Context(), namespace); err != nil {
		a.logger.Warn("profile cache clear failed", zap.String("namespace", namespace), zap.Error(err))
	}
}

// profileForPrompt prefers the device snapshot and falls back to the
// database. A user without a profile gets nil.
func (a *App) profileForPrompt(c *gin.Context, user AuthUser) (map[string]any, error) {
	if namespace := deviceNamespace(c); namespace != "" {
		profile, verdict, err := a.profiles.Load(c.Request.Context(), namespace, user.ID, a.now())
		if err != nil {
			a.logger.Warn("profile cache read failed", zap.String("namespace", namespace), zap.Error(err))
		} else if verdict == profilecache.Valid {
			return profile, nil
		}
	}

	record, err := loadProfile(c.Request.Context(), a.db, user.ID)
	if errors.Is(err, errProfileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile := record.toMap()
	a.rememberProfile(c, user, profile)
	return profile, nil
}

func loadProfile(ctx context.Context, q dbQuerier, userID string) (profileRecord, error) {
	record := profileRecord{}
	err := q.QueryRow(
		ctx,
		`SELECT "userId", email, "birthDate", "birthTime", "birthLocation", "birthCountry",
		        "zodiacSign", timezone, "createdAt", "updatedAt"
		 FROM "Profile"
		 WHERE "userId" = $1`,
		userID,
	).Scan(
		&record.UserID,
		&record.Email,
		&record.BirthDate,
		&record.BirthTime,
		&record.BirthLocation,
		&record.BirthCountry,
		&record.ZodiacSign,
		&record.Timezone,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return profileRecord{}, errProfileNotFound
	}
	if err != nil {
		return profileRecord{}, err
	}
	return record, nil
}

func upsertProfile(ctx context.Context, q dbQuerier, user AuthUser, profile validatedProfile) (profileRecord, error) {
	record := profileRecord{
		UserID:        user.ID,
		Email:         nullableString(user.Email),
		BirthDate:     profile.BirthDate,
		BirthTime:     profile.BirthTime,
		BirthLocation: profile.BirthLocation,
		BirthCountry:  profile.BirthCountry,
		ZodiacSign:    zodiacSign(profile.BirthDate),
	}
	err := q.QueryRow(
		ctx,
		`INSERT INTO "Profile" (
			"userId", email, "birthDate", "birthTime", "birthLocation", "birthCountry", "zodiacSign", "createdAt", "updatedAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT ("userId") DO UPDATE SET
			email = COALESCE(EXCLUDED.email, "Profile".email),
			"birthDate" = EXCLUDED."birthDate",
			"birthTime" = EXCLUDED."birthTime",
			"birthLocation" = EXCLUDED."birthLocation",
			"birthCountry" = EXCLUDED."birthCountry",
			"zodiacSign" = EXCLUDED."zodiacSign",
			"updatedAt" = NOW()
		RETURNING email, timezone, "createdAt", "updatedAt"`,
		record.UserID,
		record.Email,
		record.BirthDate,
		record.BirthTime,
		record.BirthLocation,
		record.BirthCountry,
		record.ZodiacSign,
	).Scan(&record.Email, &record.Timezone, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return profileRecord{}, err
	}
	return record, nil
}
