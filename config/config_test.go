package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"

	"github.com/angeloszaimis/reverse-proxy/config"
	"github.com/angeloszaimis/reverse-proxy/internal/handler"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
)

const validConfig = `
server:
  address: "127.0.0.1:8080"
  environment: "dev"

upstreams:
  - host: "127.0.0.1"
    port: 9001
  - host: "localhost"
    port: 9002

timeouts:
  connect: "500ms"
  header: "10s"
  idle_body: "20s"

health:
  failure_threshold: 5
  interval: "3s"
  path: "/health"

strategy:
  type: "least-conn"

logging:
  level: "debug"
`

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(content string) string {
		path := filepath.Join(tempDir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
		DeferCleanup(os.Unsetenv, key)
	}

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		Context("with a valid config file", func() {
			var cfg *config.Config

			BeforeEach(func() {
				var err error
				cfg, err = config.Load(&config.CLI{Config: writeConfig(validConfig)})
				Expect(err).NotTo(HaveOccurred())
			})

			It("should read every upstream", func() {
				Expect(cfg.Upstreams).To(Equal([]config.UpstreamConfig{
					{Host: "127.0.0.1", Port: 9001},
					{Host: "localhost", Port: 9002},
				}))
			})

			It("should parse strategy and logging", func() {
				Expect(cfg.Strategy.Type).To(Equal("least-conn"))
				Expect(cfg.Logging.Level).To(Equal("debug"))
			})

			It("should expose the upstream deadlines", func() {
				Expect(cfg.Deadlines()).To(Equal(timeout.Deadlines{
					Connect:  500 * time.Millisecond,
					Header:   10 * time.Second,
					IdleBody: 20 * time.Second,
				}))
			})

			It("should fill omitted keys with defaults", func() {
				Expect(cfg.Timeouts.ClientHeaderTimeout()).To(Equal(15 * time.Second))
				Expect(cfg.Timeouts.KeepaliveTimeout()).To(Equal(60 * time.Second))
				Expect(cfg.Retry.MaxRetries).To(Equal(handler.DefaultMaxRetries))
				Expect(cfg.Limits.MaxConnsPerUpstream).To(Equal(100))
				Expect(cfg.Health.TimeoutDuration()).To(Equal(time.Second))
				Expect(cfg.Server.ProxyProtocol).To(BeFalse())
			})

			It("should keep explicit health settings", func() {
				Expect(cfg.Health.FailureThreshold).To(Equal(5))
				Expect(cfg.Health.IntervalDuration()).To(Equal(3 * time.Second))
				Expect(cfg.Health.Path).To(Equal("/health"))
			})

			It("should render as YAML that loads back to the same values", func() {
				out, err := cfg.YAML()
				Expect(err).NotTo(HaveOccurred())

				var round config.Config
				Expect(yaml.Unmarshal(out, &round)).To(Succeed())
				Expect(round).To(Equal(*cfg))
			})
		})

		Context("with the listen shorthand", func() {
			It("should use it as the server address", func() {
				path := writeConfig(`
listen: "0.0.0.0:9999"
upstreams:
  - host: "127.0.0.1"
    port: 9001
`)
				cfg, err := config.Load(&config.CLI{Config: path})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("0.0.0.0:9999"))
			})
		})

		Context("with overrides", func() {
			var path string

			BeforeEach(func() {
				path = writeConfig(validConfig)
			})

			It("should let environment variables win over the file", func() {
				setenv("PROXY_STRATEGY_TYPE", "random")
				setenv("PROXY_RETRY_MAX_RETRIES", "0")

				cfg, err := config.Load(&config.CLI{Config: path})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Strategy.Type).To(Equal("random"))
				Expect(cfg.Retry.MaxRetries).To(Equal(0))
			})

			It("should let flags win over environment variables", func() {
				setenv("PROXY_LOGGING_LEVEL", "warn")

				cfg, err := config.Load(&config.CLI{
					Config:   path,
					Port:     7000,
					LogLevel: "ERROR",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:7000"))
				Expect(cfg.Logging.Level).To(Equal("error"))
			})

			It("should replace only the host when only the host is given", func() {
				cfg, err := config.Load(&config.CLI{Config: path, Host: "0.0.0.0"})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("0.0.0.0:8080"))
			})
		})

		Context("when the file is missing", func() {
			It("should fail for an explicit path", func() {
				_, err := config.Load(&config.CLI{Config: filepath.Join(tempDir, "nope.yaml")})
				Expect(err).To(HaveOccurred())
				Expect(err).NotTo(MatchError(config.ErrInvalidConfig))
			})

			It("should fall back to defaults and reject the empty upstream list", func() {
				wd, err := os.Getwd()
				Expect(err).NotTo(HaveOccurred())
				Expect(os.Chdir(tempDir)).To(Succeed())
				DeferCleanup(os.Chdir, wd)

				_, err = config.Load(nil)
				Expect(err).To(MatchError(config.ErrInvalidConfig))
				Expect(err.Error()).To(ContainSubstring("Upstreams"))
			})
		})

		Context("when the config is found by search path", func() {
			It("should read ./config/config.yaml", func() {
				Expect(os.Mkdir(filepath.Join(tempDir, "config"), 0o755)).To(Succeed())
				Expect(os.WriteFile(filepath.Join(tempDir, "config", "config.yaml"), []byte(validConfig), 0o644)).To(Succeed())

				wd, err := os.Getwd()
				Expect(err).NotTo(HaveOccurred())
				Expect(os.Chdir(tempDir)).To(Succeed())
				DeferCleanup(os.Chdir, wd)

				cfg, err := config.Load(&config.CLI{})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Upstreams).To(HaveLen(2))
			})
		})
	})

	DescribeTable("rejecting invalid values",
		func(content, field string) {
			_, err := config.Load(&config.CLI{Config: writeConfig(content)})
			Expect(err).To(MatchError(config.ErrInvalidConfig))
			Expect(err.Error()).To(ContainSubstring(field))
		},
		Entry("no upstreams", `
upstreams: []
`, "Upstreams"),
		Entry("upstream port out of range", `
upstreams:
  - host: "127.0.0.1"
    port: 70000
`, "Port"),
		Entry("upstream without host", `
upstreams:
  - port: 9001
`, "Host"),
		Entry("unknown strategy", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
strategy:
  type: "fastest"
`, "Type"),
		Entry("unparseable timeout", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
timeouts:
  connect: "soon"
`, "Connect"),
		Entry("zero timeout", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
timeouts:
  header: "0s"
`, "Header"),
		Entry("zero failure threshold", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
health:
  failure_threshold: 0
`, "FailureThreshold"),
		Entry("relative probe path", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
health:
  path: "health"
`, "Path"),
		Entry("too many retries", `
upstreams:
  - host: "127.0.0.1"
    port: 9001
retry:
  max_retries: 11
`, "MaxRetries"),
		Entry("bad listen address", `
server:
  address: "no-port"
upstreams:
  - host: "127.0.0.1"
    port: 9001
`, "Address"),
		Entry("unknown environment", `
server:
  environment: "qa"
upstreams:
  - host: "127.0.0.1"
    port: 9001
`, "Environment"),
	)
})
