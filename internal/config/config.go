// Package config loads tokensign settings from a YAML file and TOKENSIGN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "TOKENSIGN"

	DefaultOCSPTimeout = 10 * time.Second
)

type Config struct {
	// Libraries are the PKCS#11 modules scanned for certificates.
	Libraries []string `mapstructure:"libraries"`
	// SoftHSM is an additional software token module, scanned after Libraries.
	SoftHSM string `mapstructure:"softhsm"`
	// IsolateScan runs each library scan in a worker subprocess.
	IsolateScan bool `mapstructure:"isolate_scan"`
	// OSStore includes the operating system certificate store where supported.
	OSStore  bool        `mapstructure:"os_store"`
	OCSP     OCSPConfig  `mapstructure:"ocsp"`
	Proxy    ProxyConfig `mapstructure:"proxy"`
	Debug    bool        `mapstructure:"debug"`
	AuditDir string      `mapstructure:"audit_dir"`
}

type OCSPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProxyConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// URL returns the proxy URL, or nil when no proxy host is configured.
func (p ProxyConfig) URL() *url.URL {
	host := strings.TrimSpace(p.Host)
	if host == "" {
		return nil
	}
	if p.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(p.Port))
	}
	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Load reads configuration from file, or from the default search path when
// file is empty. A missing default config file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, runtime.GOOS)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.tokensign")
		v.AddConfigPath("/etc/tokensign/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if conf.OCSP.Timeout <= 0 {
		conf.OCSP.Timeout = DefaultOCSPTimeout
	}
	return &conf, nil
}

func setDefaults(v *viper.Viper, goos string) {
	v.SetDefault("libraries", DefaultLibraryPaths(goos))
	v.SetDefault("softhsm", DefaultSoftHSMPath(goos))
	v.SetDefault("isolate_scan", false)
	v.SetDefault("os_store", true)
	v.SetDefault("ocsp.timeout", DefaultOCSPTimeout)
	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("debug", false)
	v.SetDefault("audit_dir", defaultAuditDir())
}

// LibraryPaths returns Libraries followed by SoftHSM, without duplicates.
func (c *Config) LibraryPaths() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range append(append([]string(nil), c.Libraries...), c.SoftHSM) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// AvailableLibraryPaths returns the LibraryPaths present on disk.
func (c *Config) AvailableLibraryPaths() []string {
	var out []string
	for _, p := range c.LibraryPaths() {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// DefaultLibraryPaths returns the usual OpenSC module locations for goos.
func DefaultLibraryPaths(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			`C:\Windows\System32\opensc-pkcs11.dll`,
			`C:\Program Files\OpenSC Project\OpenSC\pkcs11\opensc-pkcs11.dll`,
		}
	case "darwin":
		return []string{
			"/usr/local/lib/opensc-pkcs11.so",
			"/Library/OpenSC/lib/opensc-pkcs11.so",
		}
	default:
		return []string{
			"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
			"/usr/lib64/opensc-pkcs11.so",
		}
	}
}

func DefaultSoftHSMPath(goos string) string {
	switch goos {
	case "windows":
		return `C:\SoftHSM2\lib\softhsm2-x64.dll`
	case "darwin":
		return "/usr/local/lib/softhsm/libsofthsm2.dylib"
	default:
		return "/usr/local/lib/softhsm/libsofthsm2.so"
	}
}

func defaultAuditDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tokensign")
}
