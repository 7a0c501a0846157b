package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/detect"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/spf13/viper"
	"github.com/up-zero/gotool/convertutil"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Render   RenderConfig   `mapstructure:"render"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Titler   TitlerConfig   `mapstructure:"titler"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Detector DetectorConfig `mapstructure:"detector"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxSessions  int           `mapstructure:"max_sessions"`
}

// ModelConfig 字段与 sam2.Config 同名，用 CopyProperties 转换
type ModelConfig struct {
	OnnxRuntimeLibPath string `mapstructure:"onnx_runtime_lib_path"`
	EncodeModelPath    string `mapstructure:"encode_model_path"`
	DecodeModelPath    string `mapstructure:"decode_model_path"`
	UseCuda            bool   `mapstructure:"use_cuda"`
	NumThreads         int    `mapstructure:"num_threads"`
	EnableCpuMemArena  bool   `mapstructure:"enable_cpu_mem_arena"`
}

type PipelineConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	ColorMetric  string        `mapstructure:"color_metric"` // sum | min
}

type RenderConfig struct {
	Opacity  float64 `mapstructure:"opacity"`
	FontPath string  `mapstructure:"font_path"` // 为空时使用内置字体
	Quality  int     `mapstructure:"quality"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TitlerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// DetectorConfig 候选框检测，字段与 detect.Config 同名
type DetectorConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ModelPath     string  `mapstructure:"model_path"`
	ConfThreshold float32 `mapstructure:"conf_threshold"`
	IOUThreshold  float32 `mapstructure:"iou_threshold"`
	MaxProposals  int     `mapstructure:"max_proposals"`
}

// Load 从 YAML 文件加载配置，环境变量 SAM2_* 可覆盖同名配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SAM2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// New 加载配置，失败时返回默认配置
func New(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_sessions", d.Server.MaxSessions)

	v.SetDefault("model.onnx_runtime_lib_path", d.Model.OnnxRuntimeLibPath)
	v.SetDefault("model.encode_model_path", d.Model.EncodeModelPath)
	v.SetDefault("model.decode_model_path", d.Model.DecodeModelPath)
	v.SetDefault("model.use_cuda", d.Model.UseCuda)
	v.SetDefault("model.num_threads", d.Model.NumThreads)
	v.SetDefault("model.enable_cpu_mem_arena", d.Model.EnableCpuMemArena)

	v.SetDefault("pipeline.max_retries", d.Pipeline.MaxRetries)
	v.SetDefault("pipeline.retry_backoff", d.Pipeline.RetryBackoff)
	v.SetDefault("pipeline.color_metric", d.Pipeline.ColorMetric)

	v.SetDefault("render.opacity", d.Render.Opacity)
	v.SetDefault("render.font_path", d.Render.FontPath)
	v.SetDefault("render.quality", d.Render.Quality)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("titler.enabled", d.Titler.Enabled)
	v.SetDefault("titler.url", d.Titler.URL)
	v.SetDefault("titler.model", d.Titler.Model)
	v.SetDefault("titler.timeout", d.Titler.Timeout)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_types", d.Upload.AllowedTypes)

	v.SetDefault("detector.enabled", d.Detector.Enabled)
	v.SetDefault("detector.model_path", d.Detector.ModelPath)
	v.SetDefault("detector.conf_threshold", d.Detector.ConfThreshold)
	v.SetDefault("detector.iou_threshold", d.Detector.IOUThreshold)
	v.SetDefault("detector.max_proposals", d.Detector.MaxProposals)
}

// Default 默认配置
func Default() *Config {
	m := sam2.DefaultConfig()
	dc := detect.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxSessions:  16,
		},
		Model: ModelConfig{
			OnnxRuntimeLibPath: vision.DefaultLibraryPath(),
			EncodeModelPath:    m.EncodeModelPath,
			DecodeModelPath:    m.DecodeModelPath,
		},
		Pipeline: PipelineConfig{
			MaxRetries:   2,
			RetryBackoff: 100 * time.Millisecond,
			ColorMetric:  "sum",
		},
		Render: RenderConfig{
			Opacity: 0.6,
			Quality: 90,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Titler: TitlerConfig{
			URL:     "http://localhost:11434",
			Model:   "llava",
			Timeout: 60 * time.Second,
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
		Detector: DetectorConfig{
			ModelPath:     dc.ModelPath,
			ConfThreshold: dc.ConfThreshold,
			IOUThreshold:  dc.IOUThreshold,
			MaxProposals:  dc.MaxProposals,
		},
	}
}

// SAM2 转换为引擎配置
func (m ModelConfig) SAM2() (sam2.Config, error) {
	var cfg sam2.Config
	if err := convertutil.CopyProperties(m, &cfg); err != nil {
		return cfg, fmt.Errorf("复制模型参数失败: %w", err)
	}
	return cfg, nil
}

// Detect 转换为检测引擎配置，运行时参数沿用模型配置
func (c *Config) Detect() (detect.Config, error) {
	cfg := detect.DefaultConfig()
	if err := convertutil.CopyProperties(c.Detector, &cfg); err != nil {
		return cfg, fmt.Errorf("复制检测参数失败: %w", err)
	}
	cfg.OnnxRuntimeLibPath = c.Model.OnnxRuntimeLibPath
	cfg.UseCuda = c.Model.UseCuda
	cfg.NumThreads = c.Model.NumThreads
	cfg.EnableCpuMemArena = c.Model.EnableCpuMemArena
	return cfg, nil
}
