package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	BDPM     BDPMConfig     `yaml:"bdpm" mapstructure:"bdpm"`
	Airtable AirtableConfig `yaml:"airtable" mapstructure:"airtable"`
	OCR      OCRConfig      `yaml:"ocr" mapstructure:"ocr"`
	Report   ReportConfig   `yaml:"report" mapstructure:"report"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// BDPMConfig configures the registry source files.
type BDPMConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	InputFile string `yaml:"input_file" mapstructure:"input_file"`
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	RetroPage string `yaml:"retro_page" mapstructure:"retro_page"`
}

// AirtableConfig holds Airtable API credentials and target table.
type AirtableConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	BaseID string `yaml:"base_id" mapstructure:"base_id"`
	Table  string `yaml:"table" mapstructure:"table"`
}

// OCRConfig configures the classification-code resolver.
type OCRConfig struct {
	Enable        bool   `yaml:"enable" mapstructure:"enable"`
	Provider      string `yaml:"provider" mapstructure:"provider"`
	MaxPages      int    `yaml:"max_pages" mapstructure:"max_pages"`
	DPI           int    `yaml:"dpi" mapstructure:"dpi"`
	PSM           int    `yaml:"psm" mapstructure:"psm"`
	Lang          string `yaml:"lang" mapstructure:"lang"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	PdfToPpmPath  string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	PdfInfoPath   string `yaml:"pdfinfo_path" mapstructure:"pdfinfo_path"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// ReportConfig configures the OCR recovery report output.
type ReportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// StoreConfig configures the run-log database backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// bareEnvAliases maps viper keys to the bare environment variable names the
// scheduled job has historically been driven by (CI secrets), in addition to
// the BDPM_-prefixed forms.
var bareEnvAliases = map[string][]string{
	"airtable.token":   {"AIRTABLE_API_TOKEN", "AIRTABLE_TOKEN"},
	"airtable.base_id": {"AIRTABLE_BASE_ID"},
	"airtable.table":   {"AIRTABLE_TABLE_NAME", "AIRTABLE_CIS_TABLE_NAME"},
	"ocr.enable":       {"OCR_ENABLE"},
	"ocr.max_pages":    {"OCR_MAX_PAGES"},
	"ocr.dpi":          {"OCR_DPI"},
	"ocr.psm":          {"OCR_PSM"},
	"bdpm.input_file":  {"INPUT_FILE"},
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env is optional; CI injects secrets directly.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BDPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range bareEnvAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("bdpm.base_url", "https://base-donnees-publique.medicaments.gouv.fr/download/file")
	v.SetDefault("bdpm.input_file", "CIS_bdpm.txt")
	v.SetDefault("bdpm.data_dir", "data")
	v.SetDefault("bdpm.retro_page", "https://ansm.sante.fr/documents/reference/medicaments-en-retrocession")
	v.SetDefault("ocr.enable", false)
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.max_pages", 2)
	v.SetDefault("ocr.dpi", 200)
	v.SetDefault("ocr.psm", 6)
	v.SetDefault("ocr.lang", "fra")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.pdfinfo_path", "pdfinfo")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("report.dir", "reports")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "bdpm-sync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete for the given mode.
// Modes: "sync", "enrich", "ocr-batch".
func (c *Config) Validate(mode string) error {
	var missing []string

	requireAirtable := func() {
		if c.Airtable.Token == "" {
			missing = append(missing, "airtable.token is required (AIRTABLE_API_TOKEN)")
		}
		if c.Airtable.BaseID == "" {
			missing = append(missing, "airtable.base_id is required (AIRTABLE_BASE_ID)")
		}
		if c.Airtable.Table == "" {
			missing = append(missing, "airtable.table is required (AIRTABLE_TABLE_NAME)")
		}
	}

	switch mode {
	case "sync", "enrich":
		requireAirtable()
	case "ocr-batch":
		// purely local, nothing remote required
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.OCR.MaxPages < 0 {
		missing = append(missing, "ocr.max_pages must be >= 0 (0 = unbounded)")
	}
	if c.OCR.DPI <= 0 {
		missing = append(missing, "ocr.dpi must be > 0")
	}
	if c.OCR.PSM < 0 || c.OCR.PSM > 13 {
		missing = append(missing, "ocr.psm must be between 0 and 13")
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
