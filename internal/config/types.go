package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，配置中可写作 "10GiB"、"512 MB" 或纯数字。
type ByteSize int64

// UnmarshalText 复用 humanize 的单位解析。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回原始字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 输出人类可读的 IEC 单位。
func (b ByteSize) String() string {
	if b <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		if intVal < 0 {
			return 0, fmt.Errorf("invalid byte size: %s", raw)
		}
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志与上游访问。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	LogLevel        string   `mapstructure:"LogLevel" validate:"required"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UserAgent       string   `mapstructure:"UserAgent"`
	MaxRetries      int      `mapstructure:"MaxRetries" validate:"gte=0"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff" validate:"gt=0"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout" validate:"gt=0"`
}

// CacheConfig 描述磁盘缓存目录、容量预算与锁等待上限。
type CacheConfig struct {
	Dir           string   `mapstructure:"CacheDir" validate:"required"`
	Prefix        string   `mapstructure:"CachePrefix" validate:"required,excludesall=/\\"`
	MaxSize       ByteSize `mapstructure:"MaxCacheSize" validate:"gte=0"`
	PurgeFactor   float64  `mapstructure:"PurgeFactor" validate:"gte=0,lt=1"`
	LockTimeout   Duration `mapstructure:"LockTimeout" validate:"gt=0"`
	PurgeSchedule string   `mapstructure:"PurgeSchedule"`
}

// TypeRule 将 URL 或文件名匹配到类型标签，按配置顺序首个命中生效。
type TypeRule struct {
	Type    string `mapstructure:"Type" validate:"required"`
	Pattern string `mapstructure:"Pattern" validate:"required"`
}

// MimeRule 将响应 Content-Type 的媒体类型映射到类型标签。
type MimeRule struct {
	Type      string `mapstructure:"Type" validate:"required"`
	MediaType string `mapstructure:"MediaType" validate:"required"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig `mapstructure:",squash"`
	Cache        CacheConfig  `mapstructure:",squash"`
	CatalogRoot  string       `mapstructure:"CatalogRoot"`
	AllowedHosts []string     `mapstructure:"AllowedHosts"`
	TypeMatch    []TypeRule   `mapstructure:"TypeMatch" validate:"dive"`
	MimeTypes    []MimeRule   `mapstructure:"MimeType" validate:"dive"`
}

var defaultTypeRules = []TypeRule{
	{Type: "dmrpp", Pattern: `\.dmrpp(\.bz2|\.gz|\.Z)?$`},
	{Type: "h5", Pattern: `\.(h5|he5|hdf5|HDF5)(\.bz2|\.gz|\.Z)?$`},
	{Type: "h4", Pattern: `\.(hdf|HDF|eos)(\.bz2|\.gz|\.Z)?$`},
	{Type: "nc", Pattern: `\.nc4?(\.bz2|\.gz|\.Z)?$`},
	{Type: "csv", Pattern: `\.csv$`},
	{Type: "json", Pattern: `\.json$`},
}

var defaultMimeRules = []MimeRule{
	{Type: "nc", MediaType: "application/x-netcdf"},
	{Type: "nc", MediaType: "application/netcdf"},
	{Type: "h5", MediaType: "application/x-hdf5"},
	{Type: "h4", MediaType: "application/x-hdf"},
	{Type: "json", MediaType: "application/json"},
	{Type: "csv", MediaType: "text/csv"},
}

// DefaultTypeRules 返回内置的扩展名匹配规则副本。
func DefaultTypeRules() []TypeRule {
	return append([]TypeRule(nil), defaultTypeRules...)
}

// DefaultMimeRules 返回内置的媒体类型映射副本。
func DefaultMimeRules() []MimeRule {
	return append([]MimeRule(nil), defaultMimeRules...)
}
