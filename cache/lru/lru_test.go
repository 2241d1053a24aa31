package lru_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/tiercache/cache/lru"
)

const (
	keyOne   = "k1"
	keyTwo   = "k2"
	keyThree = "k3"
)

func TestRecordInsertAndSelectVictim(t *testing.T) {
	s := lru.New()

	_, ok := s.SelectVictim()
	assert.False(t, ok, "empty strategy has no victim")

	s.RecordInsert(keyOne)
	s.RecordInsert(keyTwo)
	s.RecordInsert(keyThree)

	victim, ok := s.SelectVictim()
	require.True(t, ok)
	assert.Equal(t, keyOne, victim, "oldest insert is the victim")
	assert.Equal(t, 3, s.Size(), "SelectVictim must not remove")
}

func TestRecordAccessReordersVictims(t *testing.T) {
	s := lru.New()
	s.RecordInsert(keyOne)
	s.RecordInsert(keyTwo)
	s.RecordInsert(keyThree)

	s.RecordAccess(keyOne)

	victim, ok := s.SelectVictim()
	require.True(t, ok)
	assert.Equal(t, keyTwo, victim)
}

func TestReinsertBehavesLikeAccess(t *testing.T) {
	s := lru.New()
	s.RecordInsert(keyOne)
	s.RecordInsert(keyTwo)
	s.RecordInsert(keyOne)

	assert.Equal(t, 2, s.Size())
	victim, _ := s.SelectVictim()
	assert.Equal(t, keyTwo, victim)
}

func TestRecordAccessUnknownKeyIgnored(t *testing.T) {
	s := lru.New()
	s.RecordAccess("ghost")
	assert.Equal(t, 0, s.Size())
}

func TestRecordDelete(t *testing.T) {
	s := lru.New()
	s.RecordInsert(keyOne)
	s.RecordInsert(keyTwo)

	s.RecordDelete(keyOne)
	assert.Equal(t, 1, s.Size())

	victim, ok := s.SelectVictim()
	require.True(t, ok)
	assert.Equal(t, keyTwo, victim)

	s.RecordDelete("ghost") // no-op
	assert.Equal(t, 1, s.Size())
}

func TestVictims(t *testing.T) {
	t.Run("OldestFirstDownToTarget", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)
		s.RecordInsert(keyTwo)
		s.RecordInsert(keyThree)

		assert.Equal(t, []string{keyOne, keyTwo}, s.Victims(1))
	})

	t.Run("ZeroTargetReturnsAllOldestFirst", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)
		s.RecordInsert(keyTwo)
		s.RecordInsert(keyThree)

		assert.Equal(t, []string{keyOne, keyTwo, keyThree}, s.Victims(0))
	})

	t.Run("TargetAtOrAboveSizeReturnsEmpty", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)
		s.RecordInsert(keyTwo)

		assert.Empty(t, s.Victims(2))
		assert.Empty(t, s.Victims(5))
	})

	t.Run("NegativeTargetTreatedAsZero", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)

		assert.Equal(t, []string{keyOne}, s.Victims(-1))
	})

	t.Run("AccessAffectsOrder", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)
		s.RecordInsert(keyTwo)
		s.RecordInsert(keyThree)
		s.RecordAccess(keyOne)

		assert.Equal(t, []string{keyTwo, keyThree}, s.Victims(1))
	})

	t.Run("DoesNotRemove", func(t *testing.T) {
		s := lru.New()
		s.RecordInsert(keyOne)
		s.RecordInsert(keyTwo)

		_ = s.Victims(0)
		assert.Equal(t, 2, s.Size())
	})
}

func TestClear(t *testing.T) {
	s := lru.New()
	s.RecordInsert(keyOne)
	s.RecordInsert(keyTwo)

	s.Clear()
	assert.Equal(t, 0, s.Size())
	_, ok := s.SelectVictim()
	assert.False(t, ok)

	// Usable after clear.
	s.RecordInsert(keyThree)
	victim, ok := s.SelectVictim()
	require.True(t, ok)
	assert.Equal(t, keyThree, victim)
}

func TestOrderingUnderChurn(t *testing.T) {
	s := lru.New()
	for i := 0; i < 10; i++ {
		s.RecordInsert(fmt.Sprintf("key-%d", i))
	}

	// Touch even keys; odd keys become the cold half, oldest first.
	for i := 0; i < 10; i += 2 {
		s.RecordAccess(fmt.Sprintf("key-%d", i))
	}

	expected := []string{"key-1", "key-3", "key-5", "key-7", "key-9"}
	assert.Equal(t, expected, s.Victims(5))
}
