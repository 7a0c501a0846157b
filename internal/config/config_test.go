package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9090"
  mode: release
model:
  encode_model_path: /models/enc.onnx
  num_threads: 4
pipeline:
  max_retries: 5
  retry_backoff: 250ms
  color_metric: min
redis:
  enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != ":9090" || cfg.Server.Mode != "release" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Model.EncodeModelPath != "/models/enc.onnx" || cfg.Model.NumThreads != 4 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Pipeline.MaxRetries != 5 || cfg.Pipeline.RetryBackoff != 250*time.Millisecond || cfg.Pipeline.ColorMetric != "min" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	// 未配置的字段使用默认值
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.TTL != 24*time.Hour || !cfg.Redis.Enabled {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Render.Opacity != 0.6 {
		t.Errorf("render = %+v", cfg.Render)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \":9090\"\n")
	t.Setenv("SAM2_SERVER_PORT", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != ":7070" {
		t.Fatalf("port = %s, want :7070", cfg.Server.Port)
	}
}

func TestNew_FallbackToDefault(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Server.Port != Default().Server.Port {
		t.Fatalf("port = %s", cfg.Server.Port)
	}
}

func TestModelConfig_SAM2(t *testing.T) {
	m := ModelConfig{
		OnnxRuntimeLibPath: "/lib/onnxruntime.so",
		EncodeModelPath:    "enc.onnx",
		DecodeModelPath:    "dec.onnx",
		UseCuda:            true,
		NumThreads:         2,
	}
	cfg, err := m.SAM2()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OnnxRuntimeLibPath != m.OnnxRuntimeLibPath || cfg.EncodeModelPath != "enc.onnx" ||
		cfg.DecodeModelPath != "dec.onnx" || !cfg.UseCuda || cfg.NumThreads != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestConfig_Detect(t *testing.T) {
	cfg := Default()
	cfg.Model.OnnxRuntimeLibPath = "/opt/ort/libonnxruntime.so"
	cfg.Model.NumThreads = 2
	cfg.Detector.ModelPath = "/models/yolo.onnx"
	cfg.Detector.ConfThreshold = 0.3

	dc, err := cfg.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if dc.ModelPath != "/models/yolo.onnx" || dc.ConfThreshold != 0.3 {
		t.Errorf("detector fields not copied: %+v", dc)
	}
	if dc.OnnxRuntimeLibPath != "/opt/ort/libonnxruntime.so" || dc.NumThreads != 2 {
		t.Errorf("runtime fields not inherited: %+v", dc)
	}
	if dc.InputSize != 640 || dc.NumClasses != 80 {
		t.Errorf("model defaults lost: %+v", dc)
	}
}
