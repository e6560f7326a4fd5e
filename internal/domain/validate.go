package domain

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MinNicknameLen = 2
	MaxNicknameLen = 20
)

var (
	roomIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nicknamePattern = regexp.MustCompile(`^[\w\s-]+$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

type joinFields struct {
	RoomID   string `json:"roomId" validate:"required,max=50,roomid"`
	Nickname string `json:"nickname" validate:"required,min=2,max=20,nickname"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("nickname", func(fl validator.FieldLevel) bool {
		return nicknamePattern.MatchString(fl.Field().String())
	})
	return v
}

// NormalizeRoomID trims and case-folds a raw room id. It does not validate.
func NormalizeRoomID(raw string) RoomID {
	return RoomID(strings.ToLower(strings.TrimSpace(raw)))
}

// NormalizeNickname trims and collapses internal whitespace runs to one space.
func NormalizeNickname(raw string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")
}

// NormalizeJoin validates a join request after normalization. On failure the
// returned error is a ValidationError listing every violated rule as
// "<field>:<rule>".
func NormalizeJoin(roomRaw, nicknameRaw string) (RoomID, string, error) {
	f := joinFields{
		RoomID:   string(NormalizeRoomID(roomRaw)),
		Nickname: NormalizeNickname(nicknameRaw),
	}
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return "", "", err
		}
		violations := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			violations = append(violations, fe.Field()+":"+rule)
		}
		return "", "", NewValidationError(violations)
	}
	return RoomID(f.RoomID), f.Nickname, nil
}

// SameNickname compares nicknames case-insensitively.
func SameNickname(a, b string) bool {
	return strings.EqualFold(a, b)
}
