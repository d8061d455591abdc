// Command proxyd is the reverse proxy core's entrypoint: it loads a
// configuration file, stands up one listener per configured port (HTTP/1
// pipelined or HTTP/2, TLS-terminating or not), the Gateway servers/clients
// a deployment names, the Prometheus scrape endpoint, and the admin control
// surface, then blocks until it's asked to stop.
package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/admin"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/authz"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/core"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gateway"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/googleauth"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/http2adapter"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/metrics"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/remoteconn"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/server"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxyd",
		Short: "Multi-protocol reverse proxy core",
	}
	cmd.AddCommand(newServeCmd(), newGenCertCmd(), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("proxyd %s\n", version)
			return nil
		},
	}
}

func newGenCertCmd() *cobra.Command {
	var commonName, certOut, keyOut string
	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed certificate for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenCert(commonName, certOut, keyOut)
		},
	}
	cmd.Flags().StringVar(&commonName, "cn", "localhost", "certificate common name / SAN")
	cmd.Flags().StringVar(&certOut, "cert-out", "proxyd.crt", "path to write the PEM certificate")
	cmd.Flags().StringVar(&keyOut, "key-out", "proxyd.key", "path to write the PEM private key")
	return cmd
}

func runGenCert(commonName, certOut, keyOut string) error {
	cert, err := tlscerts.GenerateSelfSigned(commonName)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(certOut, certPEM, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", certOut, err)
	}
	if err := os.WriteFile(keyOut, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", keyOut, err)
	}
	fmt.Printf("wrote %s and %s for CN=%s\n", certOut, keyOut, commonName)
	return nil
}

func newServeCmd() *cobra.Command {
	var configPath, adminAddr, nodeID string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, adminAddr, nodeID)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "proxyd.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", ":9090", "bind address for the admin/metrics surface")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "this node's Gateway peer id (defaults to the hostname)")
	return cmd
}

func runServe(ctx context.Context, configPath, adminAddr, nodeID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "proxyd")

	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "proxyd"
		}
		nodeID = hostname
	}

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	snap := loader.Current()

	poolMgr := pool.NewManager()
	defer poolMgr.Close()
	tlsStore := tlscerts.NewStore(true)
	metricsReg := metrics.New()
	gatewayReg := gateway.NewRegistry()
	passKeys := remoteconn.NewPassKeyStore()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	authzReg := authz.NewRegistry(map[string]authz.GoogleProvider{}, googleauth.NewTokenSigner(secret, 24*time.Hour))

	c := core.New(snap, poolMgr, gatewayReg, tlsStore, metricsReg)

	httpHandler := server.New(snap, poolMgr, authzReg, gatewayReg, snap.SSHCredentials, tlsStore)
	httpHandler.SetMetrics(metricsReg)
	httpHandler.SetPassKeys(passKeys)
	c.Register(httpHandler)

	h2Handler := http2adapter.New(snap, poolMgr, authzReg, gatewayReg, snap.SSHCredentials, tlsStore)
	h2Handler.SetMetrics(metricsReg)
	h2Handler.SetPassKeys(passKeys)
	c.Register(h2Handler)

	loader.Watch(c.Reload)

	collector := metrics.NewCollector(metricsReg, poolMgr, gatewayReg)
	collector.Start()
	defer collector.Stop()

	for _, pc := range snap.Ports {
		if portIsHTTP2(pc) {
			ln, err := listenerForPort(pc, tlsStore)
			if err != nil {
				return err
			}
			go func() {
				log.WithField("port", pc.Port).Info("serving http2/https2 port")
				if err := h2Handler.Serve(ctx, pc.Port, ln); err != nil && ctx.Err() == nil {
					log.WithError(err).WithField("port", pc.Port).Error("http2 listener stopped")
				}
			}()
			continue
		}
		ln, err := server.ListenerFor(pc, tlsStore)
		if err != nil {
			return err
		}
		go func() {
			log.WithField("port", pc.Port).Info("serving http1/https1 port")
			if err := httpHandler.Serve(ctx, pc.Port, ln); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("port", pc.Port).Error("http1 listener stopped")
			}
		}()
	}

	for _, gs := range snap.GatewayServers {
		srv := gateway.NewServer(gs, nodeID, gatewayReg, nil, nil)
		go func() {
			log.WithField("listen_addr", gs.ListenAddr).Info("serving gateway listener")
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("listen_addr", gs.ListenAddr).Error("gateway server stopped")
			}
		}()
	}
	for _, gcl := range snap.GatewayClients {
		cl := gateway.NewClient(gcl, nodeID, gatewayReg, nil, nil)
		go cl.Run(ctx)
	}

	adminRouter := admin.NewRouter(admin.Deps{
		Metrics:  metricsReg,
		Reloader: loader,
		OnReload: c.Reload,
		PassKeys: passKeys,
	})
	adminLn, err := net.Listen("tcp", adminAddr)
	if err != nil {
		return fmt.Errorf("binding admin surface on %s: %w", adminAddr, err)
	}
	go func() {
		log.WithField("addr", adminAddr).Info("serving admin surface")
		if err := serveHTTP(ctx, adminLn, adminRouter); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("admin surface stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func portIsHTTP2(pc config.PortConfig) bool {
	for _, ep := range pc.Endpoints {
		if ep.Protocol == config.ProtocolHTTP2 || ep.Protocol == config.ProtocolHTTPS2 {
			return true
		}
	}
	return false
}

func listenerForPort(pc config.PortConfig, store *tlscerts.Store) (net.Listener, error) {
	for _, ep := range pc.Endpoints {
		if ep.Protocol == config.ProtocolHTTPS2 {
			return http2adapter.ListenerFor(pc, store)
		}
	}
	return net.Listen("tcp", fmt.Sprintf(":%d", pc.Port))
}

// serveHTTP runs handler over ln until ctx is cancelled, treating the
// resulting http.ErrServerClosed as a clean shutdown rather than an error.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
