package interpolator

import (
	"testing"

	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/stretchr/testify/assert"
)

type source struct {
	name     string
	owner    domain.Owner
	filename string
	url      string
}

func (s source) Name() string             { return s.name }
func (s source) Owner() domain.Owner      { return s.owner }
func (s source) OriginalFilename() string { return s.filename }
func (s source) URLTemplate() string      { return s.url }

func photo() source {
	return source{
		name:     "photo",
		owner:    domain.Owner{Class: "media.PhotoAlbum", ID: "1234"},
		filename: "Sunset.Beach.JPG",
		url:      "/system/:attachment/:id_partition/:style/:filename",
	}
}

func TestInterpolate(t *testing.T) {
	i := New()
	src := photo()

	tests := []struct {
		template string
		style    string
		want     string
	}{
		{":attachment/:id/:style/:filename", "thumbnail", "photo/1234/thumbnail/Sunset.Beach.JPG"},
		{":id_partition", "", "000/001/234"},
		{":basename.:extension", "", "Sunset.Beach.JPG"},
		{":class/:class_name/:table", "", "media/PhotoAlbum/PhotoAlbum/photo_albums"},
		{":ATTACHMENT/:Style", "medium", "photo/medium"},
		{"public:url", "thumbnail", "public/system/photo/000/001/234/thumbnail/Sunset.Beach.JPG"},
		{"/defaults/:style/missing.png", "", "/defaults//missing.png"},
		{"/:unknown/:attachment", "", "/:unknown/photo"},
		{"/:attachment_:style/:id_:filename", "thumb", "/photo_thumb/1234_Sunset.Beach.JPG"},
		{":style_:filename", "thumb", "thumb_Sunset.Beach.JPG"},
		{":class_:class_name-:id_partition", "", "media/PhotoAlbum_PhotoAlbum-000/001/234"},
		{":filename_backup", "", "Sunset.Beach.JPG_backup"},
		{"https://cdn.example.com:8080/:attachment", "", "https://cdn.example.com:8080/photo"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.want, i.Interpolate(tt.template, src, tt.style))
		})
	}
}

func TestInterpolateIsIdempotent(t *testing.T) {
	i := New()
	src := photo()
	template := ":class/:attachment/:id_partition/:style/:basename.:extension"

	first := i.Interpolate(template, src, "thumbnail")
	for n := 0; n < 3; n++ {
		assert.Equal(t, first, i.Interpolate(template, src, "thumbnail"))
	}
}

func TestInterpolateURLDoesNotRecurse(t *testing.T) {
	src := photo()
	src.url = "/:url/:style"

	assert.Equal(t, "/:url/thumb/thumb", New().Interpolate(":url/:style", src, "thumb"))
}

func TestIDPartition(t *testing.T) {
	tests := map[string]string{
		"1":                        "000/000/001",
		"1234":                     "000/001/234",
		"123456789":                "123/456/789",
		"1234567890":               "123/456/789/0",
		"65f1c0a2b3d4e5f6a7b8c9d0": "65f/1c0/a2b",
		"ab":                       "ab",
		"":                         "",
	}
	for id, want := range tests {
		assert.Equal(t, want, IDPartition(id), "id %q", id)
	}
}
