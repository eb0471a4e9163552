package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pedrazadixon/gemininixiang/internal/api"
	"github.com/pedrazadixon/gemininixiang/internal/config"
	"github.com/pedrazadixon/gemininixiang/internal/conversation"
	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
	"github.com/pedrazadixon/gemininixiang/internal/media"
	"github.com/pedrazadixon/gemininixiang/internal/watcher"
)

type LogFormatter struct {
}

func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	var newLog string
	newLog = fmt.Sprintf("[%s] [%s] [%s:%d] %s\n", timestamp, entry.Level, path.Base(entry.Caller.File), entry.Caller.Line, entry.Message)

	b.WriteString(newLog)
	return b.Bytes(), nil
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	log.SetFormatter(&LogFormatter{})
}

func main() {
	var configPath string

	flag.StringVar(&configPath, "config", "", "Configure File Path")

	flag.Parse()

	var err error
	var cfg *config.Config
	var wd string

	if configPath == "" {
		wd, err = os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := newHTTPClient(cfg.ProxyURL)
	session, err := geminiweb.NewSessionStore(cfg.Cookie, httpClient)
	if err != nil {
		log.Fatalf("failed to parse session cookies: %v", err)
	}
	session.StartRotation(ctx, cfg.RotateInterval.Std())

	models := geminiweb.NewModelTable(cfg.ModelIDs.Flash, cfg.ModelIDs.Pro, cfg.ModelIDs.Thinking, cfg.Models)
	client := geminiweb.NewClient(session, models, httpClient, cfg.Language)

	convStore, err := conversation.NewStore(cfg.ConvStore)
	if err != nil {
		log.Fatalf("failed to open conversation store: %v", err)
	}
	reconciler := conversation.NewReconciler(convStore)

	mediaStore, err := media.NewStore(cfg.MediaDir, httpClient, session.Cookies)
	if err != nil {
		log.Fatalf("failed to open media store: %v", err)
	}

	server := api.NewServer(cfg, client, reconciler, mediaStore)

	w, err := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		server.UpdateConfig(newCfg)
		if newCfg.Cookie != cfg.Cookie {
			if errSet := session.SetCookies(newCfg.Cookie); errSet != nil {
				log.Errorf("failed to apply new cookies: %v", errSet)
			}
		}
		cfg = newCfg
	})
	if err != nil {
		log.Fatalf("failed to create config watcher: %v", err)
	}
	if err = w.Start(ctx); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	go func() {
		if errStart := server.Start(); errStart != nil {
			log.Fatalf("server error: %v", errStart)
		}
	}()
	log.Infof("API server listening on port %d", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}

// newHTTPClient builds the shared outbound client. Cookies are attached per
// request rather than through a jar, so every call sees exactly the
// credentials the session store holds at that moment.
func newHTTPClient(proxyURL string) *http.Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			log.Warnf("ignoring invalid proxy-url: %v", err)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   5 * time.Minute,
	}
}
