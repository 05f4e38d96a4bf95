package bot

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/command"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

const startText = "Hi! I keep table-tennis Elo ratings for group chats.\n" +
	"Add me to your group, then record finished games with /match. Send /help for the full command list."

const helpText = `I track table-tennis ratings per group. Commands:

/match @player1 @player2 <score1> <score2> - record a finished game
/ranking - show the group rating table
/id <nickname> - link your school login and verify student status
/id_guest - mark yourself as a guest without a school login
/undo - undo the latest match; reply to a /match message to undo that exact one
/config_topic <id|ranking|matches|logs> - bind commands to the current forum topic (admins only)

Append "help" to a command to see its usage, e.g. "/match help".`

const messageTryLater = "Something went wrong on my side. Please try again in a minute."

func renderMatch(args command.MatchArgs, m *model.Match) string {
	label1 := mentionLabel(args.Player1)
	label2 := mentionLabel(args.Player2)

	var b strings.Builder
	if m.IsTie() {
		fmt.Fprintf(&b, "Tie recorded: %s %d:%d %s\n", label1, m.Player1Score, m.Player2Score, label2)
	} else {
		winner := label1
		if id, _ := m.Winner(); id == m.Player2ID {
			winner = label2
		}
		fmt.Fprintf(&b, "Match recorded: %s %d:%d %s. %s wins!\n", label1, m.Player1Score, m.Player2Score, label2, winner)
	}
	b.WriteString(ratingLine(label1, m.Player1RatingBefore, m.Player1RatingAfter))
	b.WriteByte('\n')
	b.WriteString(ratingLine(label2, m.Player2RatingBefore, m.Player2RatingAfter))
	return b.String()
}

func renderUndo(m *model.Match, label1, label2 string, rating1, rating2 int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Undone: %s %d:%d %s.\n", label1, m.Player1Score, m.Player2Score, label2)
	fmt.Fprintf(&b, "%s is back at %d, %s at %d.", label1, rating1, label2, rating2)
	return b.String()
}

func renderRanking(entries []model.RankingEntry) string {
	if len(entries) == 0 {
		return "Nobody has played yet. Record the first game with /match."
	}

	lines := lo.Map(entries, func(e model.RankingEntry, i int) string {
		return fmt.Sprintf("%d. %s: %d (%d played, %dW %dL)",
			i+1, rankingLabel(e), e.Rating, e.MatchesPlayed, e.MatchesWon, e.MatchesLost)
	})
	return "Table-tennis ranking:\n" + strings.Join(lines, "\n")
}

func renderTopicBound(topicType model.TopicType, topicID int64) string {
	where := "the general chat"
	if topicID != 0 {
		where = "this topic"
	}
	return fmt.Sprintf("Done. %q commands are now bound to %s.", topicType, where)
}

func ratingLine(label string, before, after int) string {
	return fmt.Sprintf("%s: %d → %d (%+d)", label, before, after, after-before)
}

// mentionLabel prefers the @username form the command arrived with; text
// mentions of username-less users fall back to the platform id.
func mentionLabel(ref command.PlayerRef) string {
	if ref.Username != "" {
		return "@" + ref.Username
	}
	return fmt.Sprintf("player %d", ref.PlatformID)
}

func rankingLabel(e model.RankingEntry) string {
	if label := util.DereferenceString(e.Nickname); label != "" {
		return label
	}
	return fmt.Sprintf("player %d", e.PlatformUserID)
}

func playerLabel(p *model.Player) string {
	if label := util.DereferenceString(p.Nickname); label != "" {
		return label
	}
	return fmt.Sprintf("player %d", p.PlatformUserID)
}
