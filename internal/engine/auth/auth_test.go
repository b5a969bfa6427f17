package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rulegate/internal/domain"
)

func TestRequire(t *testing.T) {
	assert.NoError(t, Require(domain.RoleUser, RequestCreate))
	assert.NoError(t, Require(domain.RoleAdmin, RequestCreate))
	assert.NoError(t, Require(domain.RoleAdmin, RequestReview))

	err := Require(domain.RoleUser, RequestReview)
	var fe ForbiddenError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, RequestReview, fe.Permission)

	assert.Error(t, Require("", RequestRead))
}

func TestPermissions(t *testing.T) {
	assert.Contains(t, Permissions(domain.RoleAdmin), SweepRun)
	assert.NotContains(t, Permissions(domain.RoleUser), SweepRun)
	assert.Empty(t, Permissions("GUEST"))
}
