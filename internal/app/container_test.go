package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	mongorepo "github.com/acme/conversation-campaign/internal/repository/mongo"
	pgrepo "github.com/acme/conversation-campaign/internal/repository/postgres"
)

func TestTaskRepositoryReusesBootstrappedMongoStore(t *testing.T) {
	indexed := mongorepo.NewTaskRepository(nil)
	c := &Container{mongoTasks: indexed}
	assert.Same(t, indexed, c.taskRepository(nil))

	c = &Container{}
	assert.IsType(t, &pgrepo.TaskRepository{}, c.taskRepository(nil))
}
