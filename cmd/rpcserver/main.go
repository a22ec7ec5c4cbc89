// Command rpcserver runs a demo rpcweave server: a JSON echo service behind
// the runtime's Server Call State Machine (§4.5), plus the admin HTTP
// surface (§D.5) every production service in this stack carries -
// /healthz and /metrics - on a second listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fullstorydev/rpcweave/codec"
	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/server"
	"github.com/fullstorydev/rpcweave/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rpcserver",
		Short: "Demo server for the rpcweave RPC runtime",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		addr      string
		adminAddr string
		logFile   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo RPC server and its admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, adminAddr, logFile)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8980", "Address the RPC listener binds to")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", ":8981", "Address the admin HTTP surface (/healthz, /metrics) binds to")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Rotate logs through this file instead of stdout")
	return cmd
}

func newLogger(logFile string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var sink zapcore.WriteSyncer
	if logFile == "" {
		sink = zapcore.AddSync(os.Stdout)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			LocalTime:  true,
		})
	}
	core := zapcore.NewCore(encoder, sink, zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller())
}

func runServe(addr, adminAddr, logFile string) error {
	if _, err := maxprocs.Set(); err != nil {
		return fmt.Errorf("rpcserver: GOMAXPROCS tuning: %w", err)
	}

	logger := newLogger(logFile)
	defer logger.Sync()

	srv := server.New(server.Options{Logger: logger})
	registerEchoService(srv)

	if err := srv.Serve(addr); err != nil {
		return fmt.Errorf("rpcserver: %w", err)
	}
	logger.Info("rpc listener started", zap.String("addr", srv.Addr().String()))

	adminSrv := newAdminServer(adminAddr)
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP surface failed", zap.Error(err))
		}
	}()
	logger.Info("admin HTTP surface started", zap.String("addr", adminAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return srv.Shutdown(ctx) })
	g.Go(func() error { return adminSrv.Shutdown(ctx) })
	if err := g.Wait(); err != nil {
		logger.Warn("shutdown did not drain cleanly", zap.Error(err))
	}
	return nil
}

func newAdminServer(addr string) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: r}
}

// registerEchoService wires a single unary method, /rpcweave.demo.Echo/Echo,
// that JSON-decodes the request and echoes it back with a server-stamped
// "echoed_at" field. It exists to exercise the Server Call State Machine end
// to end (header parse, deadline arming, dispatch, trailer emission), not
// to demonstrate application logic.
func registerEchoService(srv *server.Server) {
	srv.RegisterMethod(server.MethodDesc{
		Path: "/rpcweave.demo.Echo/Echo",
		Type: server.Unary,
		Unary: func(_ context.Context, _ metadata.MD, req []byte) ([]byte, metadata.MD, *status.Status) {
			var body map[string]interface{}
			jc := codec.JSONCodec{}
			if err := jc.Unmarshal(req, &body); err != nil {
				return nil, nil, status.New(status.InvalidArgument, fmt.Sprintf("rpcserver: %v", err), nil)
			}
			if body == nil {
				body = map[string]interface{}{}
			}
			body["echoed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

			resp, err := jc.Marshal(body)
			if err != nil {
				return nil, nil, status.New(status.Internal, fmt.Sprintf("rpcserver: %v", err), nil)
			}
			return resp, nil, status.OKStatus()
		},
	})
}
