package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"autoall/internal/config"
)

func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	allowHeaders := strings.Join(cfg.Headers(), ", ")
	allowMethods := strings.Join(cfg.Methods(), ", ")
	maxAge := strconv.Itoa(cfg.MaxAge())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""
		for _, o := range cfg.AllowOrigins {
			if o == "*" {
				allowedOrigin = "*"
				break
			}
			if strings.EqualFold(o, origin) {
				allowedOrigin = origin
				break
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Max-Age", maxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

