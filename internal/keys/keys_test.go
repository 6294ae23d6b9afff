package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	q := "import"
	assert.Equal(t, "uniqw:{import}:pending", Pending(q))
	assert.Equal(t, "uniqw:{import}:active", Active(q))
	assert.Equal(t, "uniqw:{import}:delayed", Delayed(q))
	assert.Equal(t, "uniqw:{import}:dead", Dead(q))
}

func TestKeys_For(t *testing.T) {
	q := For("forecast")
	assert.Equal(t, "uniqw:{forecast}:pending", q.Pending)
	assert.Equal(t, "uniqw:{forecast}:active", q.Active)
	assert.Equal(t, "uniqw:{forecast}:delayed", q.Delayed)
	assert.Equal(t, "uniqw:{forecast}:dead", q.Dead)
}

func TestKeys_TaskAndSlot(t *testing.T) {
	assert.Equal(t, "uniqw:task:{t-1}", Task("t-1"))
	assert.Equal(t, "uniqw:task:{t-1}:dependents", Dependents("t-1"))
	assert.Equal(t, "uniqw:slot:{econ-3}", Slot("econ-3"))
}
