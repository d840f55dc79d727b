package http

type Config struct {
	Port uint `mapstructure:"port"`

	// JWTSecret is not its own config key: the server fills it in from
	// auth.secret so tokens are always validated with the secret that
	// signed them.
	JWTSecret string `mapstructure:"-"`

	AgentAPIKey string `mapstructure:"agent_api_key"`
}
