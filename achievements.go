package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// achievementKeys is the fixed evaluation order. The celebration attached to
// a mutation response is the last key in this order that newly unlocked.
var achievementKeys = []string{
	"first_channel",
	"five_channels",
	"ten_videos_watched",
	"focused",
	"marathon_watcher",
	"explorer",
}

type achievementStats struct {
	Channels          int
	Watched           int
	CompletedChannels int
}

func achievementMet(key string, s achievementStats) bool {
	switch key {
	case "first_channel":
		return s.Channels >= 1
	case "five_channels":
		return s.Channels >= 5
	case "ten_videos_watched":
		return s.Watched >= 10
	case "focused":
		return s.CompletedChannels >= 1
	case "marathon_watcher":
		return s.Watched >= 50
	case "explorer":
		return s.Channels >= 10
	}
	return false
}

func achievementProgress(key string, s achievementStats) (current, target int) {
	switch key {
	case "first_channel":
		return min(s.Channels, 1), 1
	case "five_channels":
		return s.Channels, 5
	case "ten_videos_watched":
		return s.Watched, 10
	case "focused":
		return min(s.CompletedChannels, 1), 1
	case "marathon_watcher":
		return s.Watched, 50
	case "explorer":
		return s.Channels, 10
	}
	return 0, 1
}

// evaluate applies the unlock rules to an existing flag map. Flags only flip
// from false to true here; clearing is the reset endpoint's job.
func evaluate(flags map[string]bool, s achievementStats) (updated map[string]bool, newlyUnlocked []string) {
	updated = make(map[string]bool, len(achievementKeys))
	for k, v := range flags {
		updated[k] = v
	}
	for _, key := range achievementKeys {
		if !updated[key] && achievementMet(key, s) {
			updated[key] = true
			newlyUnlocked = append(newlyUnlocked, key)
		}
	}
	return updated, newlyUnlocked
}

func (a *App) loadAchievements(ctx context.Context, userID string) (map[string]bool, error) {
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT achievements FROM user_achievements WHERE user_id = ?`, userID).Scan(&raw)
	if err != nil {
		return map[string]bool{}, nil
	}
	flags := make(map[string]bool)
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return map[string]bool{}, nil
	}
	return flags, nil
}

func (a *App) achievementStatsFor(ctx context.Context, userID string) (achievementStats, error) {
	var s achievementStats
	err := a.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM channels WHERE user_id = ?),
			(SELECT COUNT(*) FROM watched_videos WHERE user_id = ?),
			(SELECT COUNT(*) FROM channels c
			 WHERE c.user_id = ?
			   AND EXISTS (SELECT 1 FROM videos v WHERE v.user_id = c.user_id AND v.channel_id = c.channel_id)
			   AND NOT EXISTS (
				SELECT 1 FROM videos v
				LEFT JOIN watched_videos wv ON wv.user_id = v.user_id AND wv.video_id = v.video_id
				WHERE v.user_id = c.user_id AND v.channel_id = c.channel_id AND wv.video_id IS NULL))`,
		userID, userID, userID).Scan(&s.Channels, &s.Watched, &s.CompletedChannels)
	return s, err
}

// evaluateAchievements recomputes the flag set after a mutation and persists
// it when anything newly unlocked. Returns the newly unlocked keys plus the
// celebration key, or (nil, "") when nothing changed. Evaluation failures
// are logged and swallowed; achievements never fail the mutation itself.
func (a *App) evaluateAchievements(ctx context.Context, userID string) ([]string, string) {
	flags, _ := a.loadAchievements(ctx, userID)
	stats, err := a.achievementStatsFor(ctx, userID)
	if err != nil {
		log.Printf("achievements: stats for %s: %v", userID, err)
		return nil, ""
	}

	updated, newly := evaluate(flags, stats)
	if len(newly) == 0 {
		return nil, ""
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return nil, ""
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO user_achievements (user_id, achievements, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET achievements = excluded.achievements, updated_at = excluded.updated_at`,
		userID, string(encoded), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		log.Printf("achievements: persist for %s: %v", userID, err)
		return nil, ""
	}
	return newly, newly[len(newly)-1]
}

func (a *App) handleGetAchievements(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(userIDKey).(string)

	flags, _ := a.loadAchievements(r.Context(), userID)
	stats, err := a.achievementStatsFor(r.Context(), userID)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "query failed"})
		return
	}

	achievements := make([]map[string]interface{}, 0, len(achievementKeys))
	for _, key := range achievementKeys {
		current, target := achievementProgress(key, stats)
		achievements = append(achievements, map[string]interface{}{
			"key":      key,
			"unlocked": flags[key],
			"progress": map[string]int{"current": current, "target": target},
		})
	}

	writeJSON(w, 200, map[string]interface{}{
		"achievements": achievements,
		"stats": map[string]int{
			"channels":           stats.Channels,
			"videos_watched":     stats.Watched,
			"completed_channels": stats.CompletedChannels,
		},
	})
}

// handleResetAchievements deletes the user's flag row entirely. The next
// evaluation starts from scratch and may re-unlock immediately.
func (a *App) handleResetAchievements(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(userIDKey).(string)

	if _, err := a.db.ExecContext(r.Context(),
		`DELETE FROM user_achievements WHERE user_id = ?`, userID); err != nil {
		writeJSON(w, 500, map[string]string{"error": "failed to reset achievements"})
		return
	}
	writeJSON(w, 200, map[string]string{"status": "reset"})
}
