package redisprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAutoDetectMasterSingle(t *testing.T) {
	pool := Pool{Endpoints: []Endpoint{
		{Address: "a:1", Role: RoleSlave, Available: true},
		{Address: "b:1", Role: RoleMaster, Available: true},
	}}

	ep, ok := pool.AutoDetectMaster()
	require.True(t, ok)
	assert.Equal(t, "b:1", ep.Address)
}

func TestPoolAutoDetectMasterNoneOrMultiple(t *testing.T) {
	empty := Pool{Endpoints: []Endpoint{
		{Address: "a:1", Role: RoleUnknown, Available: false},
	}}
	_, ok := empty.AutoDetectMaster()
	assert.False(t, ok)

	multi := Pool{Endpoints: []Endpoint{
		{Address: "a:1", Role: RoleMaster, Available: true},
		{Address: "b:1", Role: RoleMaster, Available: true},
	}}
	_, ok = multi.AutoDetectMaster()
	assert.False(t, ok)
}

func TestPoolFind(t *testing.T) {
	pool := Pool{Endpoints: []Endpoint{
		{Address: "a:1", Role: RoleMaster, Available: true},
	}}

	ep, ok := pool.Find("a:1")
	require.True(t, ok)
	assert.Equal(t, RoleMaster, ep.Role)

	_, ok = pool.Find("missing:1")
	assert.False(t, ok)
}
