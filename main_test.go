package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astro-cache/astro-cache/internal/config"
	"github.com/astro-cache/astro-cache/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ASTRO_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("ASTRO_CACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"-unknown"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	_, errBuf := useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(errBuf.String(), "加载配置失败") {
		t.Fatalf("应输出加载失败信息，得到 %s", errBuf.String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	outBuf, _ := useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(outBuf.String(), "astro-cache") {
		t.Fatalf("version 输出应包含 astro-cache 标识")
	}
}

func TestBuildAppWiresRoutesAndStorage(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["2024-01-01"]`))
	}))
	defer upstreamSrv.Close()

	storage := filepath.Join(t.TempDir(), "storage")
	cfgPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
UpstreamBase = "%s"
APIKey = "test-key"
`, storage, upstreamSrv.URL))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	app, err := buildApp(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("buildApp error: %v", err)
	}

	for _, sub := range []string{"epic", "apod"} {
		if info, err := os.Stat(filepath.Join(storage, sub)); err != nil || !info.IsDir() {
			t.Fatalf("缓存子目录 %s 应被创建: %v", sub, err)
		}
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/epic/available-dates", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
