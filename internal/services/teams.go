package services

import (
    "context"
    "sort"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

type TeamView struct {
    Key                string   `json:"key"`
    DisplayName        string   `json:"display_name"`
    NotificationEmails []string `json:"notification_emails"`
    ScrumMasters       []string `json:"scrum_masters"`
    IsActive           bool     `json:"is_active"`
}

type TeamList struct {
    Count int        `json:"count"`
    Teams []TeamView `json:"teams"`
}

func teamView(team domain.Team) TeamView {
    emails := cleanEmails(team.NotificationEmails)
    masters := cleanEmails(team.ScrumMasters)
    return TeamView{Key: team.Key, DisplayName: team.DisplayName,
        NotificationEmails: emails, ScrumMasters: masters, IsActive: team.IsActive}
}

func (s *Service) ListTeams(ctx context.Context) (TeamList, error) {
    teams, err := s.store.Teams(ctx)
    if err != nil { return TeamList{}, err }
    sort.Slice(teams, func(i, j int) bool { return teams[i].Key < teams[j].Key })
    views := make([]TeamView, 0, len(teams))
    for _, team := range teams { views = append(views, teamView(team)) }
    return TeamList{Count: len(views), Teams: views}, nil
}

// SetTeamRecipients replaces a team's notification emails. The team must
// already exist; teams are created by sync from squad labels.
func (s *Service) SetTeamRecipients(ctx context.Context, teamKey string, recipients []string) (*TeamView, error) {
    team, err := s.store.UpdateTeamRecipients(ctx, teamKey, cleanEmails(recipients))
    if err != nil { return nil, err }
    if team == nil { return nil, nil }
    view := teamView(*team)
    return &view, nil
}

func (s *Service) SetTeamScrumMasters(ctx context.Context, teamKey string, scrumMasters []string) (*TeamView, error) {
    team, err := s.store.UpdateTeamScrumMasters(ctx, teamKey, cleanEmails(scrumMasters))
    if err != nil { return nil, err }
    if team == nil { return nil, nil }
    view := teamView(*team)
    return &view, nil
}
