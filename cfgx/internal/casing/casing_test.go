package casing

import "testing"

func TestCasing(t *testing.T) {
	table := []struct {
		in, snake, screaming, kebab string
	}{
		{"Port", "port", "PORT", "port"},
		{"HTTPAddr", "http_addr", "HTTP_ADDR", "http-addr"},
		{"NotifyChannel", "notify_channel", "NOTIFY_CHANNEL", "notify-channel"},
		{"DB", "db", "DB", "db"},
		{"Test2Test", "test2_test", "TEST2_TEST", "test2-test"},
		{"Postgres.URL", "postgres_url", "POSTGRES_URL", "postgres-url"},
		{"Socket.APIKey", "socket_api_key", "SOCKET_API_KEY", "socket-api-key"},
		{"Log.Level", "log_level", "LOG_LEVEL", "log-level"},
		{"First.SecondACR.Third", "first_second_acr_third", "FIRST_SECOND_ACR_THIRD", "first-second-acr-third"},
	}

	for _, tt := range table {
		t.Run(tt.in, func(t *testing.T) {
			if got := ToSnake(tt.in); got != tt.snake {
				t.Errorf("ToSnake: wanted %s, got %s", tt.snake, got)
			}
			if got := ToScreamingSnake(tt.in); got != tt.screaming {
				t.Errorf("ToScreamingSnake: wanted %s, got %s", tt.screaming, got)
			}
			if got := ToKebab(tt.in); got != tt.kebab {
				t.Errorf("ToKebab: wanted %s, got %s", tt.kebab, got)
			}
		})
	}
}
