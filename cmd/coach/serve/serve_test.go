package servecmder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/config"
)

var _ = Describe("Serve Command", func() {
	var (
		tmpDir   string
		upstream *httptest.Server
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "coach-serve-test-*")
		Expect(err).NotTo(HaveOccurred())

		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/tags" {
				_, _ = io.WriteString(w, `{"models":[]}`)
				return
			}
			http.NotFound(w, r)
		}))
	})

	AfterEach(func() {
		upstream.Close()
		os.RemoveAll(tmpDir)
	})

	It("wires a server backed by a SQLite store", func() {
		cfg := config.Default()
		cfg.Upstream.BaseURL = upstream.URL
		cfg.Storage.SQLitePath = filepath.Join(tmpDir, "coach.db")

		app, err := build(cfg, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer app.close()

		req := httptest.NewRequest("GET", "/health", nil)
		resp, err := app.server.App().Test(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		body := `{"careerSummary":"s","jobExperience":"j","skills":"Go","desiredPosition":"p","yearsOfExperience":2,"industry":"i"}`
		req = httptest.NewRequest("POST", "/api/resumes", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err = app.server.App().Test(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		Expect(filepath.Join(tmpDir, "coach.db")).To(BeAnExistingFile())
		Expect(app.shutdown(context.Background())).To(Succeed())
	})

	It("falls back to the in-memory store", func() {
		store, err := openStore(config.Storage{})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())
	})

	It("fails on a missing prompt directory", func() {
		cfg := config.Default()
		cfg.Prompts.Dir = filepath.Join(tmpDir, "missing")

		_, err := build(cfg, zap.NewNop())
		Expect(err).To(MatchError(ContainSubstring("could not load prompts")))
	})

	It("rejects an invalid config file", func() {
		path := filepath.Join(tmpDir, "coach.toml")
		Expect(os.WriteFile(path, []byte("[relay]\ncredit_batch = 0\n"), 0o600)).To(Succeed())

		cmd := NewServeCmd()
		cmd.SetArgs([]string{"--config", path})
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		err := cmd.ExecuteContext(context.Background())
		Expect(err).To(MatchError(ContainSubstring("could not load config")))
	})
})
