// Command sessiond is the session server daemon: it wires together the
// crypto, credential, virtualization, forwarding, protocol and HTTP
// components and runs until signaled to stop.
//
// This binary does not parse a configuration file or a subcommand surface
// (start/stop/access-tk/...); those are external collaborators. It reads a
// small set of flags sufficient to run the daemon standalone, and otherwise
// uses config.DefaultConfig().
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anweddol/sessiond/internal/config"
	"github.com/anweddol/sessiond/internal/credstore"
	"github.com/anweddol/sessiond/internal/cryptox"
	"github.com/anweddol/sessiond/internal/engine"
	"github.com/anweddol/sessiond/internal/httpapi"
	"github.com/anweddol/sessiond/internal/protocol"
	"github.com/anweddol/sessiond/internal/schema"
	"github.com/anweddol/sessiond/internal/tokenstore"
	"github.com/anweddol/sessiond/internal/vmm"
)

func main() {
	cfg := config.DefaultConfig()

	isoPath := flag.String("iso", cfg.Container.ISOFilePath, "path to the container disk image")
	libvirtURI := flag.String("libvirt-uri", "qemu:///system", "libvirt connection URI")
	webServer := flag.Bool("web", cfg.WebServer.Enabled, "also serve the HTTP/REST surface")
	accessTokens := flag.Bool("access-tokens", cfg.AccessToken.Enabled, "require an access token on every request")
	flag.Parse()

	cfg.Container.ISOFilePath = *isoPath
	cfg.WebServer.Enabled = *webServer
	cfg.AccessToken.Enabled = *accessTokens

	logger := log.New(os.Stderr, "sessiond ", log.LstdFlags|log.Lshortfile)

	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatalf("ensure directories: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	vm, err := vmm.Dial(*libvirtURI)
	if err != nil {
		logger.Fatalf("connect to libvirt: %v", err)
	}

	creds, err := credstore.Open()
	if err != nil {
		logger.Fatalf("open credential store: %v", err)
	}

	var tokens *tokenstore.Store
	if cfg.AccessToken.Enabled {
		tokens, err = tokenstore.Open(cfg.AccessToken.AccessTokenDatabaseFilePath)
		if err != nil {
			logger.Fatalf("open access token store: %v", err)
		}
	}

	eng := engine.New(cfg, logger, vm, creds, tokens)
	eng.On(engine.EventRuntimeError, func(ev engine.Event) engine.Outcome {
		logger.Printf("runtime error: %v", ev.Data)
		return engine.Continue
	})
	eng.StartReaper()

	rsa, err := cryptox.LoadRSAWrapper(cfg.RSAPrivateKeyPath, cfg.Server.RSAKeySize)
	if err != nil {
		logger.Fatalf("load RSA keypair: %v", err)
	}

	binAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.ListenPort))
	listener, err := net.Listen("tcp", binAddr)
	if err != nil {
		logger.Fatalf("listen on %s: %v", binAddr, err)
	}
	logger.Printf("binary protocol listening on %s", binAddr)

	var httpSrv *httpapi.Server
	if cfg.WebServer.Enabled {
		httpSrv = httpapi.NewServer(cfg, eng, logger)
		if err := httpSrv.Start(); err != nil {
			logger.Fatalf("start HTTP server: %v", err)
		}
		logger.Printf("HTTP surface listening on %s:%d", cfg.WebServer.BindAddress, cfg.WebServer.ListenPort)
	}

	if err := writePIDFile(cfg.PIDFilePath); err != nil {
		logger.Printf("write PID file: %v", err)
	}

	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	go acceptLoop(acceptCtx, listener, rsa, eng, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	logger.Printf("shutting down")
	cancelAccept()
	listener.Close()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpSrv.Stop(shutdownCtx)
		cancel()
	}

	eng.StopReaper()
	eng.Shutdown()
	if tokens != nil {
		tokens.Close()
	}
	creds.Close()
	vm.Close()
	os.Remove(cfg.PIDFilePath)
}

func acceptLoop(ctx context.Context, listener net.Listener, rsa *cryptox.RSAWrapper, eng *engine.Engine, cfg *config.Config, logger *log.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Printf("accept: %v", err)
				continue
			}
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !eng.CheckIPAllowed(host) {
			conn.Close()
			continue
		}

		go handleClient(ctx, conn, rsa, eng, cfg, logger)
	}
}

func handleClient(ctx context.Context, conn net.Conn, rsa *cryptox.RSAWrapper, eng *engine.Engine, cfg *config.Config, logger *log.Logger) {
	defer conn.Close()

	session, err := protocol.NewSession(conn, rsa)
	if err != nil {
		logger.Printf("init session: %v", err)
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Server.ClientTimeout)
	err = session.ExchangeKeys(handshakeCtx, true)
	cancel()
	if err != nil {
		logger.Printf("handshake with %s failed: %v", session.RemoteIP(), err)
		return
	}

	// Exactly one request/response is exchanged per connection; the verb
	// handler is authoritative for closing it afterward.
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Server.ClientTimeout)
	req, err := session.RecvRequest(reqCtx)
	cancel()
	if err != nil {
		return
	}

	switch eng.CheckAccessToken(stringParam(req.Parameters, "access_token")) {
	case engine.AccessTokenMissing:
		resp, _ := schema.MakeResponse(false, schema.MessageBadRequest, nil, "Access token is required")
		session.SendResponse(ctx, resp)
		return
	case engine.AccessTokenInvalid:
		resp, _ := schema.MakeResponse(false, schema.MessageBadAuth, nil, "Invalid access token")
		session.SendResponse(ctx, resp)
		return
	}

	respCtx, cancel := context.WithTimeout(ctx, cfg.Server.ClientTimeout)
	resp := eng.Dispatch(respCtx, req)
	cancel()

	session.SendResponse(ctx, resp)
}

func stringParam(params map[string]any, name string) string {
	v, _ := params[name].(string)
	return v
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
