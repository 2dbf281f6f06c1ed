package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/config"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadContacts(t *testing.T) {
	store, err := loadContacts("")
	require.NoError(t, err)
	assert.Empty(t, store.ListContacts())

	path := writeFile(t, "contacts.json", `[{"id":"c-1","first_name":"Ada","tags":["lead"]},{"id":"c-2"}]`)
	store, err = loadContacts(path)
	require.NoError(t, err)
	c, err := store.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", c.FirstName)
	assert.Equal(t, []string{"lead"}, c.Tags)

	_, err = loadContacts(writeFile(t, "bad.json", `[{"first_name":"nobody"}]`))
	assert.Error(t, err)
	_, err = loadContacts(writeFile(t, "broken.json", `{`))
	assert.Error(t, err)
}

func TestReadContact(t *testing.T) {
	c, err := readContact("")
	require.NoError(t, err)
	assert.Equal(t, "sim-contact", c.ID)

	c, err = readContact(writeFile(t, "c.json", `{"first_name":"Grace","custom_fields":{"plan":"pro"}}`))
	require.NoError(t, err)
	assert.Equal(t, "sim-contact", c.ID)
	assert.Equal(t, "pro", c.CustomFields["plan"])
}

func TestReadDefinitionFile(t *testing.T) {
	valid := writeFile(t, "ok.yaml", `
name: greet
trigger: {type: manual}
steps:
  - {id: hello, type: send_message, config: {channel: sms, body: "Hi {{contact.nickname}}"}, next: end}
  - {id: end, type: terminal}
`)
	def, err := readDefinitionFile(valid, false)
	require.NoError(t, err)
	assert.Equal(t, "greet", def.Name)

	_, err = readDefinitionFile(valid, true)
	assert.Error(t, err)

	_, err = readDefinitionFile(writeFile(t, "bad.yaml", "name: x\nsteps: []\n"), false)
	assert.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}

	cfg.Storage.Driver = config.DriverMemory
	store, closeFn, err := openStorage(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, closeFn())

	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "automation.db")
	store, closeFn, err = openStorage(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, closeFn())

	cfg.Storage.Driver = "etcd"
	_, _, err = openStorage(ctx, cfg)
	assert.Error(t, err)
}

// seedDeadLetter leaves a failed enrollment and its dead-lettered wake in store.
func seedDeadLetter(t *testing.T, store storage.Storage) types.ScheduledWake {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	enr := types.Enrollment{
		ID: 5, DefinitionID: 3, DefinitionVersion: 1, ContactID: "c-1",
		Status: types.EnrollmentActive, CurrentStepID: "w",
		CreatedAt: now.UnixMilli(), UpdatedAt: now.UnixMilli(),
	}
	require.NoError(t, store.CreateEnrollment(ctx, enr, false))
	enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	wake := types.ScheduledWake{ID: 9, EnrollmentID: enr.ID, StepID: "end", DueAt: now.UnixMilli(), Status: types.WakePending}
	enr.Status = types.EnrollmentWaiting
	enr.PendingWakeID = wake.ID
	require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))
	_, err = store.ClaimDueWakes(ctx, "s1", now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.NoError(t, store.DeadLetterWake(ctx, wake.ID, "s1", "gateway timeout"))
	enr.Status = types.EnrollmentFailed
	enr.LeaseOwner, enr.LeaseExpiresAt = "", 0
	require.NoError(t, store.UpdateEnrollment(ctx, enr, "w1"))
	return wake
}

func TestDeadLettersCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "automation.db")
	cfgPath := writeFile(t, "automation.yaml", fmt.Sprintf("storage:\n  driver: sqlite\n  sqlite:\n    path: %s\n", dbPath))

	store, err := storage.NewSQLiteStorage(ctx, storage.SQLiteOptions{Path: dbPath})
	require.NoError(t, err)
	wake := seedDeadLetter(t, store)
	require.NoError(t, store.Close())

	configFile, envFile = cfgPath, ""
	t.Cleanup(func() { configFile, envFile = "", ".env" })

	run := func(args ...string) error {
		cmd := deadLettersCmd()
		cmd.SetArgs(args)
		return cmd.ExecuteContext(ctx)
	}
	require.NoError(t, run("list"))
	assert.ErrorContains(t, run("replay", "abc"), "invalid wake id")
	require.NoError(t, run("replay", fmt.Sprint(wake.ID)))
	assert.ErrorIs(t, run("replay", fmt.Sprint(wake.ID)), storage.ErrNotReplayable)

	store, err = storage.NewSQLiteStorage(ctx, storage.SQLiteOptions{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()
	enr, err := store.GetEnrollment(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollmentWaiting, enr.Status)
	rearmed, err := store.GetWake(ctx, wake.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WakePending, rearmed.Status)
}
