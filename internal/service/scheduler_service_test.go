package service

import "testing"

func TestBuildDailySpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "morning", raw: "08:00", want: "0 0 8 * * *"},
		{name: "late evening", raw: "23:59", want: "0 59 23 * * *"},
		{name: "missing minutes", raw: "8", wantErr: true},
		{name: "bad hour", raw: "24:00", wantErr: true},
		{name: "bad minute", raw: "10:60", wantErr: true},
		{name: "garbage", raw: "noon", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDailySpec(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("buildDailySpec(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildDailySpec(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("buildDailySpec(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}
