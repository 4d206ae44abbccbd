package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"marketplace-api/app"
)

var (
	bootOnce sync.Once
	instance *app.Runtime
	bootErr  error
)

// Handler is the serverless entry point. The runtime is built on the first
// invocation of a warm instance and reused afterwards; migrations only run
// here when RUN_MIGRATIONS_ON_STARTUP is set.
func Handler(w http.ResponseWriter, r *http.Request) {
	bootOnce.Do(func() {
		instance, bootErr = app.Build(app.Options{
			RunMigrations: app.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		})
		if bootErr == nil {
			instance.Logger.Info("serverless_runtime_ready", map[string]any{"env": instance.Config.AppEnv})
		}
	})

	if bootErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "Service unavailable",
		})
		return
	}

	instance.Handler.ServeHTTP(w, r)
}
