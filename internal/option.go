package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithTransport overrides the configured transport mode.
func WithTransport(mode string) Option {
	return func(a *application) {
		if mode != "" && a.config != nil {
			a.config.App.Transport = mode
		}
	}
}

// WithPort overrides the configured HTTP port.
func WithPort(port int) Option {
	return func(a *application) {
		if port != 0 && a.config != nil {
			a.config.App.HTTP.Port = port
		}
	}
}
