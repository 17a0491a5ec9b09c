package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// startServer 启动 HTTP 触发接口：手动触发分配/对账/平仓，以及状态查询。
func startServer(ctx context.Context, a *App, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/allocate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()

		req := AllocateRequest{Trigger: "http"}
		if raw := strings.TrimSpace(q.Get("strategies")); raw != "" {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					req.Strategies = append(req.Strategies, id)
				}
			}
		}
		if raw := q.Get("dry_run"); raw != "" {
			dryRun, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, "invalid dry_run", http.StatusBadRequest)
				return
			}
			req.DryRun = &dryRun
		}

		rec, err := a.engine.Allocate(r.Context(), req)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, rec, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec, logger)
	})

	mux.HandleFunc("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshot, err := a.reconciler.Reconcile(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snapshot, logger)
	})

	mux.HandleFunc("/close-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rec, err := a.engine.CloseAll(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, rec, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec, logger)
	})

	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		summary, err := a.engine.Summarize(r.Context(), parseLimit(r, 10))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, summary, logger)
	})

	mux.HandleFunc("/executions", func(w http.ResponseWriter, r *http.Request) {
		records, err := a.engine.RecentExecutions(r.Context(), parseLimit(r, 20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records, logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭触发接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("触发接口异常", zap.Error(err))
		}
	}()

	logger.Info("触发接口已启动", zap.String("addr", addr))
	return nil
}

func parseLimit(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			if v > 200 {
				v = 200
			}
			limit = v
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}
