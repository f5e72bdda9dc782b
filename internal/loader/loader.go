// Package loader turns the services section of the configuration into
// validated service specs by reading each module's definition file.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"

	"github.com/KockaAdmiralac/Lux/internal/config"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/internal/transport"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefinitionFile is the name of the definition inside a module directory.
const DefinitionFile = "main.json"

var (
	ErrMissingDefinition = errors.New("missing definition")
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrMissingExecutable = errors.New("missing executable")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

type Loader struct {
	cfg      *config.Config
	log      *slog.Logger
	validate *validator.Validate
}

func New(cfg *config.Config, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return &Loader{cfg: cfg, log: log, validate: v}
}

// Load reads every service of the configuration. Services that cannot be
// loaded are left out and reported joined, each as a
// *service.RegistrationError.
func (l *Loader) Load() ([]service.Spec, error) {
	var specs []service.Spec
	var errs []error
	for _, s := range l.cfg.Services {
		spec, err := l.Service(s)
		if err != nil {
			l.log.Warn("service not loaded", "service", s.Name, "error", err)
			errs = append(errs, &service.RegistrationError{Service: s.Name, Err: err})
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

// Dir returns the module directory of s.
func (l *Loader) Dir(s config.Service) string {
	if s.Path != "" {
		return l.cfg.Resolve(s.Path)
	}
	return filepath.Join(l.cfg.ModulesPath(), s.Name)
}

// Service loads the module of one configuration entry.
func (l *Loader) Service(s config.Service) (service.Spec, error) {
	dir := l.Dir(s)
	def, err := l.Definition(filepath.Join(dir, DefinitionFile))
	if err != nil {
		return service.Spec{}, err
	}
	switch {
	case def.Name == "":
		def.Name = s.Name
	case def.Name != s.Name:
		l.log.Debug("definition name differs from service name", "service", s.Name, "definition", def.Name)
	}
	if err := l.check(def); err != nil {
		return service.Spec{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if _, _, err := transport.Resolve(dir); err != nil {
		return service.Spec{}, fmt.Errorf("%w: %v", ErrMissingExecutable, err)
	}
	return service.Spec{
		Name:          s.Name,
		Path:          dir,
		Definition:    def,
		RuntimeConfig: s.Config,
		AutoStart:     def.AutoStart && s.AllowsAutoStart(),
	}, nil
}

// Definition reads and decodes a definition file.
func (l *Loader) Definition(path string) (protocol.Definition, error) {
	var def protocol.Definition
	if _, err := os.Stat(path); err != nil {
		return def, fmt.Errorf("%w: %v", ErrMissingDefinition, err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := v.Unmarshal(&def, viper.DecodeHook(decodeHooks())); err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

func (l *Loader) check(def protocol.Definition) error {
	if err := l.validate.Struct(def); err != nil {
		return err
	}
	for _, d := range def.Dependencies {
		if err := l.validate.Var(d, "servicename"); err != nil {
			return fmt.Errorf("dependency %q: %w", d, err)
		}
	}
	for _, i := range def.Integrations {
		if err := l.validate.Var(i, "servicename"); err != nil {
			return fmt.Errorf("integration %q: %w", i, err)
		}
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		versionDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// versionDecodeHook accepts "1.2.3" and [1, 2, 3] for protocol.Version.
func versionDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(protocol.Version{}) {
			return data, nil
		}
		return protocol.ParseVersion(data)
	}
}
