package plans

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/usage"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	plans := c.Plans()
	require.Len(t, plans, 3)
	assert.Equal(t, "team", plans[0].ID)
	assert.Equal(t, "campus", plans[2].ID)
}

func TestCatalog_MonthlyLimit(t *testing.T) {
	c := Default()

	limit, known := c.MonthlyLimit("team", usage.KindQuiz)
	require.True(t, known)
	require.NotNil(t, limit)
	assert.Equal(t, int64(20), *limit)

	limit, known = c.MonthlyLimit("team", usage.KindCourse)
	assert.True(t, known)
	assert.Nil(t, limit, "course is unlimited")

	_, known = c.MonthlyLimit("campus", usage.KindDocument)
	assert.True(t, known)

	_, known = c.MonthlyLimit("nope", usage.KindQuiz)
	assert.False(t, known)
}

func TestCatalog_PlanForSeats(t *testing.T) {
	c := Default()

	cases := map[int]string{1: "team", 10: "team", 11: "school", 100: "school", 101: "campus", 5000: "campus"}
	for seats, want := range cases {
		p, ok := c.PlanForSeats(seats)
		require.True(t, ok, "seats=%d", seats)
		assert.Equal(t, want, p.ID, "seats=%d", seats)
	}

	_, ok := c.PlanForSeats(0)
	assert.False(t, ok)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "plans: []", "plan catalog is empty"},
		{"missing id", "plans:\n  - min_seats: 1", "plan without id"},
		{"duplicate", "plans:\n  - {id: a, min_seats: 1}\n  - {id: a, min_seats: 2}", `duplicate plan "a"`},
		{"zero min seats", "plans:\n  - {id: a, min_seats: 0}", "min_seats must be at least 1"},
		{"inverted band", "plans:\n  - {id: a, min_seats: 5, max_seats: 2}", "max_seats below min_seats"},
		{"unknown kind", "plans:\n  - {id: a, min_seats: 1, limits: {podcasts: 3}}", `unknown resource "podcasts"`},
		{"negative limit", "plans:\n  - {id: a, min_seats: 1, limits: {quiz: -1}}", "negative limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCatalog_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(DefaultYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("plans: ["), 0o644))
	assert.Error(t, c.Reload())

	_, ok := c.Plan("team")
	assert.True(t, ok)
}

func TestCatalog_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(DefaultYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx, observability.NewNopLogger()))

	updated := "plans:\n  - {id: solo, name: Solo, min_seats: 1, limits: {quiz: 5}}\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := c.Plan("solo")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}
